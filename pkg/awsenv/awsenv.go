// Package awsenv resolves the AWS SDK config shared by the Cloud Fleet,
// Object Store, and Pricing clients, so every collaborator that needs an
// AWS client resolves credentials and region exactly once per process,
// the way the teacher's cmd/warren/main.go builds one client set up
// front and threads it into each subsystem.
package awsenv

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Clients bundles the AWS service clients the driver needs.
type Clients struct {
	EC2     *ec2.Client
	S3      *s3.Client
	Pricing *pricing.Client
	Region  string
}

// Load resolves credentials and region through the default AWS SDK
// credential chain and constructs the clients this driver depends on.
func Load(ctx context.Context) (Clients, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return Clients{}, fmt.Errorf("awsenv: load config: %w", err)
	}
	return Clients{
		EC2:     ec2.NewFromConfig(cfg),
		S3:      s3.NewFromConfig(cfg),
		Pricing: pricing.NewFromConfig(cfg),
		Region:  cfg.Region,
	}, nil
}
