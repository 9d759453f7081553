// Package route53 implements the DNS capability over Amazon Route 53:
// batched TXT upserts for DNS-01 challenges, ALIAS records pointing instance
// domains at their serving resource, and change propagation polling.
package route53

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/route53/types"
	"github.com/aws/smithy-go"

	"github.com/dmitrymomot/domainbroker/core/provision"
)

// cloudFrontHostedZoneID is the fixed hosted zone every CloudFront
// distribution aliases through.
const cloudFrontHostedZoneID = "Z2FDTNDATAQYW2"

// ErrClientNil is returned when the client is constructed without an API.
var ErrClientNil = errors.New("route53: api client cannot be nil")

// API is the Route 53 surface the client needs.
type API interface {
	ChangeResourceRecordSets(ctx context.Context, params *route53.ChangeResourceRecordSetsInput, optFns ...func(*route53.Options)) (*route53.ChangeResourceRecordSetsOutput, error)
	GetChange(ctx context.Context, params *route53.GetChangeInput, optFns ...func(*route53.Options)) (*route53.GetChangeOutput, error)
}

// Config holds Route 53 settings with environment variable mapping.
type Config struct {
	// HostedZoneID is the zone holding the broker-managed records.
	HostedZoneID string `env:"ROUTE53_HOSTED_ZONE_ID,required"`

	// ALBHostedZoneID is the hosted zone of the shared load balancers, used
	// as the alias target zone for ALB-backed instances.
	ALBHostedZoneID string `env:"ROUTE53_ALB_HOSTED_ZONE_ID"`

	// TXTRecordTTL is the TTL in seconds for challenge TXT records.
	TXTRecordTTL int64 `env:"ROUTE53_TXT_TTL" envDefault:"60"`
}

// Client implements provision.DNSProvider.
type Client struct {
	api API
	cfg Config
}

// New creates a Route 53 DNS provider.
func New(api API, cfg Config) (*Client, error) {
	if api == nil {
		return nil, ErrClientNil
	}
	if cfg.TXTRecordTTL <= 0 {
		cfg.TXTRecordTTL = 60
	}
	return &Client{api: api, cfg: cfg}, nil
}

// UpsertTXT publishes the challenge TXT records in one change batch.
func (c *Client) UpsertTXT(ctx context.Context, records []provision.TXTRecord) (string, error) {
	return c.changeTXT(ctx, types.ChangeActionUpsert, records)
}

// DeleteTXT removes the challenge TXT records. Records already gone are
// tolerated so cleanup stays idempotent.
func (c *Client) DeleteTXT(ctx context.Context, records []provision.TXTRecord) (string, error) {
	changeID, err := c.changeTXT(ctx, types.ChangeActionDelete, records)
	if isInvalidChangeBatch(err) {
		return "", nil
	}
	return changeID, err
}

func (c *Client) changeTXT(ctx context.Context, action types.ChangeAction, records []provision.TXTRecord) (string, error) {
	changes := make([]types.Change, 0, len(records))
	for _, r := range records {
		changes = append(changes, types.Change{
			Action: action,
			ResourceRecordSet: &types.ResourceRecordSet{
				Name: aws.String(r.Name),
				Type: types.RRTypeTxt,
				TTL:  aws.Int64(c.cfg.TXTRecordTTL),
				ResourceRecords: []types.ResourceRecord{
					{Value: aws.String(strconv.Quote(r.Value))},
				},
			},
		})
	}
	return c.submit(ctx, changes)
}

// UpsertAlias points every domain at the target hostname with an A alias.
func (c *Client) UpsertAlias(ctx context.Context, domains []string, target string) (string, error) {
	return c.changeAlias(ctx, types.ChangeActionUpsert, domains, target)
}

// DeleteAlias removes the A alias records, tolerating records already gone.
func (c *Client) DeleteAlias(ctx context.Context, domains []string, target string) (string, error) {
	changeID, err := c.changeAlias(ctx, types.ChangeActionDelete, domains, target)
	if isInvalidChangeBatch(err) {
		return "", nil
	}
	return changeID, err
}

func (c *Client) changeAlias(ctx context.Context, action types.ChangeAction, domains []string, target string) (string, error) {
	changes := make([]types.Change, 0, len(domains))
	for _, domain := range domains {
		changes = append(changes, types.Change{
			Action: action,
			ResourceRecordSet: &types.ResourceRecordSet{
				Name: aws.String(domain),
				Type: types.RRTypeA,
				AliasTarget: &types.AliasTarget{
					DNSName:              aws.String(target),
					HostedZoneId:         aws.String(c.aliasZone(target)),
					EvaluateTargetHealth: false,
				},
			},
		})
	}
	return c.submit(ctx, changes)
}

// aliasZone picks the target hosted zone: CloudFront distributions all live
// in one well-known zone, load balancers in the configured regional zone.
func (c *Client) aliasZone(target string) string {
	if strings.Contains(target, ".cloudfront.") {
		return cloudFrontHostedZoneID
	}
	if c.cfg.ALBHostedZoneID != "" {
		return c.cfg.ALBHostedZoneID
	}
	return cloudFrontHostedZoneID
}

func (c *Client) submit(ctx context.Context, changes []types.Change) (string, error) {
	out, err := c.api.ChangeResourceRecordSets(ctx, &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(c.cfg.HostedZoneID),
		ChangeBatch:  &types.ChangeBatch{Changes: changes},
	})
	if err != nil {
		return "", fmt.Errorf("route53 change failed: %w", err)
	}
	return aws.ToString(out.ChangeInfo.Id), nil
}

// ChangeInSync reports whether the change has propagated to all Route 53
// name servers.
func (c *Client) ChangeInSync(ctx context.Context, changeID string) (bool, error) {
	out, err := c.api.GetChange(ctx, &route53.GetChangeInput{Id: aws.String(changeID)})
	if err != nil {
		return false, fmt.Errorf("route53 get change %s failed: %w", changeID, err)
	}
	return out.ChangeInfo.Status == types.ChangeStatusInsync, nil
}

// isInvalidChangeBatch detects deletes of records that no longer exist.
func isInvalidChangeBatch(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidChangeBatch"
}

var _ provision.DNSProvider = (*Client)(nil)
