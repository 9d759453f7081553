// Package elb implements the load balancer capability over AWS ELBv2:
// least-loaded listener selection across the shared pool and listener
// certificate attach/detach for ALB-backed instances.
package elb

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"

	"github.com/dmitrymomot/domainbroker/core/provision"
)

var (
	// ErrClientNil is returned when the client is constructed without an API.
	ErrClientNil = errors.New("elb: api client cannot be nil")

	// ErrNoListenersConfigured is returned when the shared listener pool is
	// empty.
	ErrNoListenersConfigured = errors.New("elb: no listeners configured")
)

// API is the ELBv2 surface the client needs.
type API interface {
	DescribeListeners(ctx context.Context, params *elbv2.DescribeListenersInput, optFns ...func(*elbv2.Options)) (*elbv2.DescribeListenersOutput, error)
	DescribeListenerCertificates(ctx context.Context, params *elbv2.DescribeListenerCertificatesInput, optFns ...func(*elbv2.Options)) (*elbv2.DescribeListenerCertificatesOutput, error)
	DescribeLoadBalancers(ctx context.Context, params *elbv2.DescribeLoadBalancersInput, optFns ...func(*elbv2.Options)) (*elbv2.DescribeLoadBalancersOutput, error)
	AddListenerCertificates(ctx context.Context, params *elbv2.AddListenerCertificatesInput, optFns ...func(*elbv2.Options)) (*elbv2.AddListenerCertificatesOutput, error)
	RemoveListenerCertificates(ctx context.Context, params *elbv2.RemoveListenerCertificatesInput, optFns ...func(*elbv2.Options)) (*elbv2.RemoveListenerCertificatesOutput, error)
}

// Config holds the shared listener pool with environment variable mapping.
type Config struct {
	// ListenerARNs is the pool of shared HTTPS listeners instances spread
	// across.
	ListenerARNs []string `env:"ALB_LISTENER_ARNS,required" envSeparator:","`
}

// Client implements provision.LoadBalancerProvider.
type Client struct {
	api       API
	listeners []string
}

// New creates an ELBv2 load balancer provider.
func New(api API, cfg Config) (*Client, error) {
	if api == nil {
		return nil, ErrClientNil
	}
	if len(cfg.ListenerARNs) == 0 {
		return nil, ErrNoListenersConfigured
	}
	return &Client{api: api, listeners: cfg.ListenerARNs}, nil
}

// SelectListener picks the pool listener with the fewest attached
// certificates, spreading instances across the shared load balancers.
// ALB listeners cap at 25 SNI certificates, so balancing by count also
// delays pool exhaustion.
func (c *Client) SelectListener(ctx context.Context) (provision.Listener, error) {
	best := ""
	bestCount := -1

	for _, arn := range c.listeners {
		count, err := c.certificateCount(ctx, arn)
		if err != nil {
			return provision.Listener{}, err
		}
		if bestCount == -1 || count < bestCount {
			best = arn
			bestCount = count
		}
	}

	dnsName, err := c.loadBalancerDNSName(ctx, best)
	if err != nil {
		return provision.Listener{}, err
	}

	return provision.Listener{ARN: best, LoadBalancerDNSName: dnsName}, nil
}

func (c *Client) certificateCount(ctx context.Context, listenerARN string) (int, error) {
	count := 0
	var marker *string
	for {
		out, err := c.api.DescribeListenerCertificates(ctx, &elbv2.DescribeListenerCertificatesInput{
			ListenerArn: aws.String(listenerARN),
			Marker:      marker,
		})
		if err != nil {
			return 0, fmt.Errorf("elb describe certificates of %s failed: %w", listenerARN, err)
		}
		count += len(out.Certificates)
		if out.NextMarker == nil {
			return count, nil
		}
		marker = out.NextMarker
	}
}

func (c *Client) loadBalancerDNSName(ctx context.Context, listenerARN string) (string, error) {
	listeners, err := c.api.DescribeListeners(ctx, &elbv2.DescribeListenersInput{
		ListenerArns: []string{listenerARN},
	})
	if err != nil {
		return "", fmt.Errorf("elb describe listener %s failed: %w", listenerARN, err)
	}
	if len(listeners.Listeners) == 0 {
		return "", fmt.Errorf("elb listener %s not found", listenerARN)
	}

	lbARN := aws.ToString(listeners.Listeners[0].LoadBalancerArn)
	lbs, err := c.api.DescribeLoadBalancers(ctx, &elbv2.DescribeLoadBalancersInput{
		LoadBalancerArns: []string{lbARN},
	})
	if err != nil {
		return "", fmt.Errorf("elb describe load balancer %s failed: %w", lbARN, err)
	}
	if len(lbs.LoadBalancers) == 0 {
		return "", fmt.Errorf("elb load balancer %s not found", lbARN)
	}

	return aws.ToString(lbs.LoadBalancers[0].DNSName), nil
}

// AttachCertificate adds the certificate to the listener. The ELBv2 API is
// idempotent here, so duplicate delivery is harmless.
func (c *Client) AttachCertificate(ctx context.Context, listenerARN, certificateARN string) error {
	_, err := c.api.AddListenerCertificates(ctx, &elbv2.AddListenerCertificatesInput{
		ListenerArn:  aws.String(listenerARN),
		Certificates: []types.Certificate{{CertificateArn: aws.String(certificateARN)}},
	})
	if err != nil {
		return fmt.Errorf("elb attach to %s failed: %w", listenerARN, err)
	}
	return nil
}

// DetachCertificate removes the certificate, tolerating one already gone.
func (c *Client) DetachCertificate(ctx context.Context, listenerARN, certificateARN string) error {
	_, err := c.api.RemoveListenerCertificates(ctx, &elbv2.RemoveListenerCertificatesInput{
		ListenerArn:  aws.String(listenerARN),
		Certificates: []types.Certificate{{CertificateArn: aws.String(certificateARN)}},
	})
	if err != nil {
		var missing *types.CertificateNotFoundException
		if errors.As(err, &missing) {
			return nil
		}
		return fmt.Errorf("elb detach from %s failed: %w", listenerARN, err)
	}
	return nil
}

var _ provision.LoadBalancerProvider = (*Client)(nil)
