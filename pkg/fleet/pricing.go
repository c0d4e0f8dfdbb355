package fleet

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
	pricingtypes "github.com/aws/aws-sdk-go-v2/service/pricing/types"
)

// VCPUsForInstanceType looks up the vCPU count of an EC2 instance type via
// the AWS Pricing API, used to default vcpusPerNode when a run omits it
// (spec.md §6 Design Note, grounded on
// original_source/mcc/statistics.py's get_ec2_vcpus).
func VCPUsForInstanceType(ctx context.Context, client *pricing.Client, instanceType string) (int, error) {
	filters := []pricingtypes.Filter{
		{Type: pricingtypes.FilterTypeTermMatch, Field: aws.String("tenancy"), Value: aws.String("shared")},
		{Type: pricingtypes.FilterTypeTermMatch, Field: aws.String("operatingSystem"), Value: aws.String("Linux")},
		{Type: pricingtypes.FilterTypeTermMatch, Field: aws.String("preInstalledSw"), Value: aws.String("NA")},
		{Type: pricingtypes.FilterTypeTermMatch, Field: aws.String("instanceType"), Value: aws.String(instanceType)},
		{Type: pricingtypes.FilterTypeTermMatch, Field: aws.String("location"), Value: aws.String("US East (N. Virginia)")},
	}

	out, err := client.GetProducts(ctx, &pricing.GetProductsInput{
		ServiceCode: aws.String("AmazonEC2"),
		Filters:     filters,
	})
	if err != nil {
		return 0, fmt.Errorf("pricing: get products for %s: %w", instanceType, err)
	}
	if len(out.PriceList) == 0 {
		return 0, fmt.Errorf("pricing: no price list entries for %s", instanceType)
	}

	var product struct {
		Product struct {
			Attributes struct {
				VCPU string `json:"vcpu"`
			} `json:"attributes"`
		} `json:"product"`
	}
	if err := json.Unmarshal([]byte(out.PriceList[0]), &product); err != nil {
		return 0, fmt.Errorf("pricing: decode price list entry: %w", err)
	}

	var vcpus int
	if _, err := fmt.Sscanf(product.Product.Attributes.VCPU, "%d", &vcpus); err != nil {
		return 0, fmt.Errorf("pricing: parse vcpu count %q: %w", product.Product.Attributes.VCPU, err)
	}
	return vcpus, nil
}
