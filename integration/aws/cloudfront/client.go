// Package cloudfront implements the CDN capability over Amazon CloudFront:
// distribution creation with the instance's IAM certificate, certificate
// swaps for renewals, and the disable/delete teardown sequence.
package cloudfront

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront/types"

	"github.com/dmitrymomot/domainbroker/core/provision"
)

// ErrClientNil is returned when the client is constructed without an API.
var ErrClientNil = errors.New("cloudfront: api client cannot be nil")

// API is the CloudFront surface the client needs.
type API interface {
	CreateDistribution(ctx context.Context, params *cloudfront.CreateDistributionInput, optFns ...func(*cloudfront.Options)) (*cloudfront.CreateDistributionOutput, error)
	GetDistribution(ctx context.Context, params *cloudfront.GetDistributionInput, optFns ...func(*cloudfront.Options)) (*cloudfront.GetDistributionOutput, error)
	GetDistributionConfig(ctx context.Context, params *cloudfront.GetDistributionConfigInput, optFns ...func(*cloudfront.Options)) (*cloudfront.GetDistributionConfigOutput, error)
	UpdateDistribution(ctx context.Context, params *cloudfront.UpdateDistributionInput, optFns ...func(*cloudfront.Options)) (*cloudfront.UpdateDistributionOutput, error)
	DeleteDistribution(ctx context.Context, params *cloudfront.DeleteDistributionInput, optFns ...func(*cloudfront.Options)) (*cloudfront.DeleteDistributionOutput, error)
}

// Client implements provision.CDNProvider.
type Client struct {
	api API
}

// New creates a CloudFront CDN provider.
func New(api API) (*Client, error) {
	if api == nil {
		return nil, ErrClientNil
	}
	return &Client{api: api}, nil
}

// CreateDistribution stands up a distribution fronting the instance's
// domains. The instance id doubles as the caller reference, making the call
// idempotent on the CloudFront side as well.
func (c *Client) CreateDistribution(ctx context.Context, req provision.DistributionRequest) (provision.Distribution, error) {
	originID := "origin-" + req.InstanceID

	out, err := c.api.CreateDistribution(ctx, &cloudfront.CreateDistributionInput{
		DistributionConfig: &types.DistributionConfig{
			CallerReference: aws.String(req.InstanceID),
			Comment:         aws.String("domainbroker instance " + req.InstanceID),
			Enabled:         aws.Bool(true),
			Aliases: &types.Aliases{
				Quantity: aws.Int32(int32(len(req.Domains))),
				Items:    req.Domains,
			},
			Origins: &types.Origins{
				Quantity: aws.Int32(1),
				Items: []types.Origin{{
					Id:         aws.String(originID),
					DomainName: aws.String(req.OriginDomain),
					CustomOriginConfig: &types.CustomOriginConfig{
						HTTPPort:             aws.Int32(80),
						HTTPSPort:            aws.Int32(443),
						OriginProtocolPolicy: types.OriginProtocolPolicyHttpsOnly,
					},
				}},
			},
			DefaultCacheBehavior: &types.DefaultCacheBehavior{
				TargetOriginId:       aws.String(originID),
				ViewerProtocolPolicy: types.ViewerProtocolPolicyRedirectToHttps,
				MinTTL:               aws.Int64(0),
				ForwardedValues: &types.ForwardedValues{
					QueryString: aws.Bool(true),
					Cookies:     &types.CookiePreference{Forward: types.ItemSelectionAll},
					Headers: &types.Headers{
						Quantity: aws.Int32(1),
						Items:    []string{"Host"},
					},
				},
			},
			ViewerCertificate: viewerCertificate(req.ServerCertificateID),
		},
	})
	if err != nil {
		return provision.Distribution{}, fmt.Errorf("cloudfront create for %s failed: %w", req.InstanceID, err)
	}

	return fromDistribution(out.Distribution), nil
}

// GetDistribution loads the distribution's deployment status and state.
func (c *Client) GetDistribution(ctx context.Context, id string) (provision.Distribution, error) {
	out, err := c.api.GetDistribution(ctx, &cloudfront.GetDistributionInput{Id: aws.String(id)})
	if err != nil {
		return provision.Distribution{}, fmt.Errorf("cloudfront get %s failed: %w", id, err)
	}
	return fromDistribution(out.Distribution), nil
}

// UpdateCertificate swaps the distribution onto another IAM certificate.
func (c *Client) UpdateCertificate(ctx context.Context, distributionID, serverCertificateID string) error {
	return c.updateConfig(ctx, distributionID, func(cfg *types.DistributionConfig) {
		cfg.ViewerCertificate = viewerCertificate(serverCertificateID)
	})
}

// DisableDistribution turns the distribution off; CloudFront requires this
// before deletion.
func (c *Client) DisableDistribution(ctx context.Context, id string) error {
	return c.updateConfig(ctx, id, func(cfg *types.DistributionConfig) {
		cfg.Enabled = aws.Bool(false)
	})
}

// DeleteDistribution removes a disabled, fully deployed distribution. A
// distribution already gone is tolerated.
func (c *Client) DeleteDistribution(ctx context.Context, id string) error {
	out, err := c.api.GetDistribution(ctx, &cloudfront.GetDistributionInput{Id: aws.String(id)})
	if err != nil {
		if isNoSuchDistribution(err) {
			return nil
		}
		return fmt.Errorf("cloudfront get %s failed: %w", id, err)
	}

	_, err = c.api.DeleteDistribution(ctx, &cloudfront.DeleteDistributionInput{
		Id:      aws.String(id),
		IfMatch: out.ETag,
	})
	if err != nil {
		if isNoSuchDistribution(err) {
			return nil
		}
		return fmt.Errorf("cloudfront delete %s failed: %w", id, err)
	}
	return nil
}

// updateConfig runs one read-modify-write cycle against the distribution
// config using the ETag for optimistic concurrency.
func (c *Client) updateConfig(ctx context.Context, id string, mutate func(*types.DistributionConfig)) error {
	out, err := c.api.GetDistributionConfig(ctx, &cloudfront.GetDistributionConfigInput{Id: aws.String(id)})
	if err != nil {
		return fmt.Errorf("cloudfront get config %s failed: %w", id, err)
	}

	cfg := out.DistributionConfig
	mutate(cfg)

	_, err = c.api.UpdateDistribution(ctx, &cloudfront.UpdateDistributionInput{
		Id:                 aws.String(id),
		IfMatch:            out.ETag,
		DistributionConfig: cfg,
	})
	if err != nil {
		return fmt.Errorf("cloudfront update %s failed: %w", id, err)
	}
	return nil
}

func viewerCertificate(serverCertificateID string) *types.ViewerCertificate {
	return &types.ViewerCertificate{
		IAMCertificateId:       aws.String(serverCertificateID),
		SSLSupportMethod:       types.SSLSupportMethodSniOnly,
		MinimumProtocolVersion: types.MinimumProtocolVersionTLSv122021,
	}
}

func fromDistribution(d *types.Distribution) provision.Distribution {
	if d == nil {
		return provision.Distribution{}
	}
	dist := provision.Distribution{
		ID:         aws.ToString(d.Id),
		ARN:        aws.ToString(d.ARN),
		DomainName: aws.ToString(d.DomainName),
		Status:     aws.ToString(d.Status),
	}
	if d.DistributionConfig != nil {
		dist.Enabled = aws.ToBool(d.DistributionConfig.Enabled)
	}
	return dist
}

func isNoSuchDistribution(err error) bool {
	var missing *types.NoSuchDistribution
	return errors.As(err, &missing)
}

var _ provision.CDNProvider = (*Client)(nil)
