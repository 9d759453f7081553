package iam_test

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsiam "github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/domainbroker/core/provision"
	"github.com/dmitrymomot/domainbroker/integration/aws/iam"
)

type fakeAPI struct {
	uploads   int
	gets      int
	deletes   int
	uploadErr error
	deleteErr error
	lastName  string
	lastPath  string
}

func (f *fakeAPI) UploadServerCertificate(_ context.Context, params *awsiam.UploadServerCertificateInput, _ ...func(*awsiam.Options)) (*awsiam.UploadServerCertificateOutput, error) {
	f.uploads++
	f.lastName = aws.ToString(params.ServerCertificateName)
	f.lastPath = aws.ToString(params.Path)
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	return &awsiam.UploadServerCertificateOutput{
		ServerCertificateMetadata: f.metadata(),
	}, nil
}

func (f *fakeAPI) GetServerCertificate(_ context.Context, params *awsiam.GetServerCertificateInput, _ ...func(*awsiam.Options)) (*awsiam.GetServerCertificateOutput, error) {
	f.gets++
	f.lastName = aws.ToString(params.ServerCertificateName)
	return &awsiam.GetServerCertificateOutput{
		ServerCertificate: &types.ServerCertificate{
			ServerCertificateMetadata: f.metadata(),
		},
	}, nil
}

func (f *fakeAPI) DeleteServerCertificate(_ context.Context, params *awsiam.DeleteServerCertificateInput, _ ...func(*awsiam.Options)) (*awsiam.DeleteServerCertificateOutput, error) {
	f.deletes++
	f.lastName = aws.ToString(params.ServerCertificateName)
	if f.deleteErr != nil {
		return nil, f.deleteErr
	}
	return &awsiam.DeleteServerCertificateOutput{}, nil
}

func (f *fakeAPI) metadata() *types.ServerCertificateMetadata {
	return &types.ServerCertificateMetadata{
		ServerCertificateName: aws.String(f.lastName),
		ServerCertificateId:   aws.String("ASCA123"),
		Arn:                   aws.String("arn:aws:iam::123:server-certificate/" + f.lastName),
	}
}

func TestUpload(t *testing.T) {
	t.Parallel()

	req := provision.UploadRequest{
		Name:           "instance-1-7",
		CertificatePEM: []byte("leaf"),
		PrivateKeyPEM:  []byte("key"),
		ChainPEM:       []byte("chain"),
		Path:           "/cloudfront/domainbroker/",
	}

	t.Run("returns the assigned identity", func(t *testing.T) {
		t.Parallel()

		api := &fakeAPI{}
		client, err := iam.New(api)
		require.NoError(t, err)

		cert, err := client.Upload(context.Background(), req)
		require.NoError(t, err)
		require.Equal(t, "instance-1-7", cert.Name)
		require.Equal(t, "ASCA123", cert.ID)
		require.NotEmpty(t, cert.ARN)
		require.Equal(t, "/cloudfront/domainbroker/", api.lastPath)
	})

	t.Run("already exists resolves to the existing certificate", func(t *testing.T) {
		t.Parallel()

		api := &fakeAPI{uploadErr: &types.EntityAlreadyExistsException{}}
		client, err := iam.New(api)
		require.NoError(t, err)

		cert, err := client.Upload(context.Background(), req)
		require.NoError(t, err)
		require.Equal(t, "instance-1-7", cert.Name)
		require.Equal(t, 1, api.gets)
	})
}

func TestDelete(t *testing.T) {
	t.Parallel()

	t.Run("missing certificate is already satisfied", func(t *testing.T) {
		t.Parallel()

		api := &fakeAPI{deleteErr: &types.NoSuchEntityException{}}
		client, err := iam.New(api)
		require.NoError(t, err)

		require.NoError(t, client.Delete(context.Background(), "instance-1-7"))
	})

	t.Run("other errors surface", func(t *testing.T) {
		t.Parallel()

		api := &fakeAPI{deleteErr: &types.ServiceFailureException{}}
		client, err := iam.New(api)
		require.NoError(t, err)

		require.Error(t, client.Delete(context.Background(), "instance-1-7"))
	})
}

func TestNew(t *testing.T) {
	t.Parallel()

	_, err := iam.New(nil)
	require.ErrorIs(t, err, iam.ErrClientNil)
}
