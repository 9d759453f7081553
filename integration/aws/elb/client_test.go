package elb_test

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/domainbroker/integration/aws/elb"
)

type fakeAPI struct {
	certCounts map[string]int
	added      []string
	removed    []string
	removeErr  error
}

func (f *fakeAPI) DescribeListenerCertificates(_ context.Context, params *elbv2.DescribeListenerCertificatesInput, _ ...func(*elbv2.Options)) (*elbv2.DescribeListenerCertificatesOutput, error) {
	count := f.certCounts[aws.ToString(params.ListenerArn)]
	certs := make([]types.Certificate, count)
	return &elbv2.DescribeListenerCertificatesOutput{Certificates: certs}, nil
}

func (f *fakeAPI) DescribeListeners(_ context.Context, params *elbv2.DescribeListenersInput, _ ...func(*elbv2.Options)) (*elbv2.DescribeListenersOutput, error) {
	return &elbv2.DescribeListenersOutput{Listeners: []types.Listener{{
		ListenerArn:     aws.String(params.ListenerArns[0]),
		LoadBalancerArn: aws.String("arn:lb/" + params.ListenerArns[0]),
	}}}, nil
}

func (f *fakeAPI) DescribeLoadBalancers(_ context.Context, params *elbv2.DescribeLoadBalancersInput, _ ...func(*elbv2.Options)) (*elbv2.DescribeLoadBalancersOutput, error) {
	return &elbv2.DescribeLoadBalancersOutput{LoadBalancers: []types.LoadBalancer{{
		LoadBalancerArn: aws.String(params.LoadBalancerArns[0]),
		DNSName:         aws.String("dns-of-" + params.LoadBalancerArns[0]),
	}}}, nil
}

func (f *fakeAPI) AddListenerCertificates(_ context.Context, params *elbv2.AddListenerCertificatesInput, _ ...func(*elbv2.Options)) (*elbv2.AddListenerCertificatesOutput, error) {
	f.added = append(f.added, aws.ToString(params.Certificates[0].CertificateArn))
	return &elbv2.AddListenerCertificatesOutput{}, nil
}

func (f *fakeAPI) RemoveListenerCertificates(_ context.Context, params *elbv2.RemoveListenerCertificatesInput, _ ...func(*elbv2.Options)) (*elbv2.RemoveListenerCertificatesOutput, error) {
	if f.removeErr != nil {
		return nil, f.removeErr
	}
	f.removed = append(f.removed, aws.ToString(params.Certificates[0].CertificateArn))
	return &elbv2.RemoveListenerCertificatesOutput{}, nil
}

func TestSelectListener(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{certCounts: map[string]int{
		"arn:listener/a": 12,
		"arn:listener/b": 3,
		"arn:listener/c": 25,
	}}

	client, err := elb.New(api, elb.Config{
		ListenerARNs: []string{"arn:listener/a", "arn:listener/b", "arn:listener/c"},
	})
	require.NoError(t, err)

	listener, err := client.SelectListener(context.Background())
	require.NoError(t, err)
	require.Equal(t, "arn:listener/b", listener.ARN)
	require.Equal(t, "dns-of-arn:lb/arn:listener/b", listener.LoadBalancerDNSName)
}

func TestNew_RequiresPool(t *testing.T) {
	t.Parallel()

	_, err := elb.New(&fakeAPI{}, elb.Config{})
	require.ErrorIs(t, err, elb.ErrNoListenersConfigured)

	_, err = elb.New(nil, elb.Config{ListenerARNs: []string{"arn:listener/a"}})
	require.ErrorIs(t, err, elb.ErrClientNil)
}

func TestDetachCertificate_ToleratesMissing(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{
		certCounts: map[string]int{},
		removeErr:  &types.CertificateNotFoundException{},
	}
	client, err := elb.New(api, elb.Config{ListenerARNs: []string{"arn:listener/a"}})
	require.NoError(t, err)

	require.NoError(t, client.DetachCertificate(context.Background(), "arn:listener/a", "arn:cert/1"))
}
