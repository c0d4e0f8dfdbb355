package fleet

import (
	"context"
	"io"

	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
)

// imdsInstanceID queries the EC2 Instance Metadata Service for this
// instance's id, replacing original_source's plain HTTP GET against
// 169.254.169.254 with the SDK's IMDSv2 client.
func imdsInstanceID(ctx context.Context) (string, error) {
	client := imds.New(imds.Options{})
	out, err := client.GetMetadata(ctx, &imds.GetMetadataInput{Path: "instance-id"})
	if err != nil {
		return "", err
	}
	defer out.Content.Close()

	b, err := io.ReadAll(out.Content)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
