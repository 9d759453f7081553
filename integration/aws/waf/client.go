// Package waf implements the web ACL capability over AWS WAFv2 for
// instances that get a dedicated ACL in front of their distribution.
package waf

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/wafv2"
	"github.com/aws/aws-sdk-go-v2/service/wafv2/types"

	"github.com/dmitrymomot/domainbroker/core/provision"
)

// ErrClientNil is returned when the client is constructed without an API.
var ErrClientNil = errors.New("waf: api client cannot be nil")

// API is the WAFv2 surface the client needs.
type API interface {
	CreateWebACL(ctx context.Context, params *wafv2.CreateWebACLInput, optFns ...func(*wafv2.Options)) (*wafv2.CreateWebACLOutput, error)
	ListWebACLs(ctx context.Context, params *wafv2.ListWebACLsInput, optFns ...func(*wafv2.Options)) (*wafv2.ListWebACLsOutput, error)
	DeleteWebACL(ctx context.Context, params *wafv2.DeleteWebACLInput, optFns ...func(*wafv2.Options)) (*wafv2.DeleteWebACLOutput, error)
	AssociateWebACL(ctx context.Context, params *wafv2.AssociateWebACLInput, optFns ...func(*wafv2.Options)) (*wafv2.AssociateWebACLOutput, error)
	DisassociateWebACL(ctx context.Context, params *wafv2.DisassociateWebACLInput, optFns ...func(*wafv2.Options)) (*wafv2.DisassociateWebACLOutput, error)
}

// Client implements provision.WAFProvider. ACLs are named after the instance
// they protect, which is what makes EnsureWebACL idempotent.
type Client struct {
	api   API
	scope types.Scope
}

// New creates a WAFv2 provider with CloudFront scope.
func New(api API) (*Client, error) {
	if api == nil {
		return nil, ErrClientNil
	}
	return &Client{api: api, scope: types.ScopeCloudfront}, nil
}

func aclName(instanceID string) string {
	return "domainbroker-" + instanceID
}

// EnsureWebACL returns the instance's dedicated ACL, creating it on first
// call and finding the existing one on re-delivery.
func (c *Client) EnsureWebACL(ctx context.Context, instanceID string) (string, error) {
	name := aclName(instanceID)

	if acl, err := c.find(ctx, name); err != nil {
		return "", err
	} else if acl != nil {
		return aws.ToString(acl.ARN), nil
	}

	out, err := c.api.CreateWebACL(ctx, &wafv2.CreateWebACLInput{
		Name:          aws.String(name),
		Scope:         c.scope,
		DefaultAction: &types.DefaultAction{Allow: &types.AllowAction{}},
		VisibilityConfig: &types.VisibilityConfig{
			CloudWatchMetricsEnabled: true,
			SampledRequestsEnabled:   true,
			MetricName:               aws.String(name),
		},
	})
	if err != nil {
		// Lost a creation race; the other attempt's ACL serves just as well.
		var exists *types.WAFDuplicateItemException
		if errors.As(err, &exists) {
			acl, findErr := c.find(ctx, name)
			if findErr != nil {
				return "", findErr
			}
			if acl != nil {
				return aws.ToString(acl.ARN), nil
			}
		}
		return "", fmt.Errorf("waf create %s failed: %w", name, err)
	}

	return aws.ToString(out.Summary.ARN), nil
}

// AssociateWebACL binds the ACL to the resource.
func (c *Client) AssociateWebACL(ctx context.Context, webACLARN, resourceARN string) error {
	_, err := c.api.AssociateWebACL(ctx, &wafv2.AssociateWebACLInput{
		WebACLArn:   aws.String(webACLARN),
		ResourceArn: aws.String(resourceARN),
	})
	if err != nil {
		return fmt.Errorf("waf associate %s failed: %w", webACLARN, err)
	}
	return nil
}

// DisassociateWebACL unbinds whatever ACL the resource carries, tolerating a
// resource with none.
func (c *Client) DisassociateWebACL(ctx context.Context, resourceARN string) error {
	_, err := c.api.DisassociateWebACL(ctx, &wafv2.DisassociateWebACLInput{
		ResourceArn: aws.String(resourceARN),
	})
	if err != nil {
		if isNonexistent(err) {
			return nil
		}
		return fmt.Errorf("waf disassociate %s failed: %w", resourceARN, err)
	}
	return nil
}

// DeleteWebACL removes the ACL by ARN, tolerating one already gone.
func (c *Client) DeleteWebACL(ctx context.Context, webACLARN string) error {
	acl, err := c.findByARN(ctx, webACLARN)
	if err != nil {
		return err
	}
	if acl == nil {
		return nil
	}

	_, err = c.api.DeleteWebACL(ctx, &wafv2.DeleteWebACLInput{
		Name:      acl.Name,
		Id:        acl.Id,
		Scope:     c.scope,
		LockToken: acl.LockToken,
	})
	if err != nil {
		if isNonexistent(err) {
			return nil
		}
		return fmt.Errorf("waf delete %s failed: %w", webACLARN, err)
	}
	return nil
}

func (c *Client) find(ctx context.Context, name string) (*types.WebACLSummary, error) {
	return c.findBy(ctx, func(acl types.WebACLSummary) bool {
		return aws.ToString(acl.Name) == name
	})
}

func (c *Client) findByARN(ctx context.Context, arn string) (*types.WebACLSummary, error) {
	return c.findBy(ctx, func(acl types.WebACLSummary) bool {
		return aws.ToString(acl.ARN) == arn
	})
}

func (c *Client) findBy(ctx context.Context, match func(types.WebACLSummary) bool) (*types.WebACLSummary, error) {
	var marker *string
	for {
		out, err := c.api.ListWebACLs(ctx, &wafv2.ListWebACLsInput{
			Scope:      c.scope,
			NextMarker: marker,
		})
		if err != nil {
			return nil, fmt.Errorf("waf list failed: %w", err)
		}

		for _, acl := range out.WebACLs {
			if match(acl) {
				return &acl, nil
			}
		}

		if out.NextMarker == nil {
			return nil, nil
		}
		marker = out.NextMarker
	}
}

func isNonexistent(err error) bool {
	var missing *types.WAFNonexistentItemException
	return errors.As(err, &missing)
}

var _ provision.WAFProvider = (*Client)(nil)
