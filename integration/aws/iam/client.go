// Package iam implements the server certificate store over AWS IAM, the
// certificate store CloudFront and load balancer listeners both read from.
// Duplicate uploads and deletes of missing certificates are absorbed here so
// the pipeline steps stay idempotent without provider-specific knowledge.
package iam

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/iam/types"

	"github.com/dmitrymomot/domainbroker/core/provision"
)

// ErrClientNil is returned when the client is constructed without an API.
var ErrClientNil = errors.New("iam: api client cannot be nil")

// API is the IAM surface the client needs.
type API interface {
	UploadServerCertificate(ctx context.Context, params *iam.UploadServerCertificateInput, optFns ...func(*iam.Options)) (*iam.UploadServerCertificateOutput, error)
	GetServerCertificate(ctx context.Context, params *iam.GetServerCertificateInput, optFns ...func(*iam.Options)) (*iam.GetServerCertificateOutput, error)
	DeleteServerCertificate(ctx context.Context, params *iam.DeleteServerCertificateInput, optFns ...func(*iam.Options)) (*iam.DeleteServerCertificateOutput, error)
}

// Client implements provision.ServerCertificateStore.
type Client struct {
	api API
}

// New creates an IAM server certificate store.
func New(api API) (*Client, error) {
	if api == nil {
		return nil, ErrClientNil
	}
	return &Client{api: api}, nil
}

// Upload pushes the certificate into IAM. An EntityAlreadyExists response
// means a prior attempt got through; the existing certificate is fetched and
// returned instead of failing.
func (c *Client) Upload(ctx context.Context, req provision.UploadRequest) (provision.ServerCertificate, error) {
	out, err := c.api.UploadServerCertificate(ctx, &iam.UploadServerCertificateInput{
		ServerCertificateName: aws.String(req.Name),
		CertificateBody:       aws.String(string(req.CertificatePEM)),
		PrivateKey:            aws.String(string(req.PrivateKeyPEM)),
		CertificateChain:      aws.String(string(req.ChainPEM)),
		Path:                  aws.String(req.Path),
	})
	if err != nil {
		var exists *types.EntityAlreadyExistsException
		if errors.As(err, &exists) {
			return c.get(ctx, req.Name)
		}
		return provision.ServerCertificate{}, fmt.Errorf("iam upload of %s failed: %w", req.Name, err)
	}

	return fromMetadata(out.ServerCertificateMetadata), nil
}

// Delete removes the certificate, tolerating one already gone.
func (c *Client) Delete(ctx context.Context, name string) error {
	_, err := c.api.DeleteServerCertificate(ctx, &iam.DeleteServerCertificateInput{
		ServerCertificateName: aws.String(name),
	})
	if err != nil {
		var missing *types.NoSuchEntityException
		if errors.As(err, &missing) {
			return nil
		}
		return fmt.Errorf("iam delete of %s failed: %w", name, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, name string) (provision.ServerCertificate, error) {
	out, err := c.api.GetServerCertificate(ctx, &iam.GetServerCertificateInput{
		ServerCertificateName: aws.String(name),
	})
	if err != nil {
		return provision.ServerCertificate{}, fmt.Errorf("iam get of %s failed: %w", name, err)
	}
	return fromMetadata(out.ServerCertificate.ServerCertificateMetadata), nil
}

func fromMetadata(md *types.ServerCertificateMetadata) provision.ServerCertificate {
	if md == nil {
		return provision.ServerCertificate{}
	}
	return provision.ServerCertificate{
		Name: aws.ToString(md.ServerCertificateName),
		ID:   aws.ToString(md.ServerCertificateId),
		ARN:  aws.ToString(md.Arn),
	}
}

var _ provision.ServerCertificateStore = (*Client)(nil)
