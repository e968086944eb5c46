package gitstore

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Settings configures the S3 client used for the object database.
type S3Settings struct {
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// NewS3Client builds an S3 client with static credentials and an optional custom endpoint.
func NewS3Client(settings S3Settings) *s3.Client {
	cfg := aws.Config{
		Region: settings.Region,
		Credentials: aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return aws.Credentials{
				AccessKeyID:     settings.AccessKey,
				SecretAccessKey: settings.SecretKey,
				Source:          "patchset-config",
			}, nil
		}),
	}
	endpoint := strings.TrimSpace(settings.Endpoint)
	return s3.NewFromConfig(cfg, func(options *s3.Options) {
		if endpoint != "" {
			options.BaseEndpoint = aws.String(endpoint)
			options.UsePathStyle = true
		}
	})
}
