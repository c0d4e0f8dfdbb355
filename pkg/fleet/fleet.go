// Package fleet implements the Cloud Fleet (CF) contract of spec.md §6
// against AWS EC2, grounded on original_source/mcc/launch.py's
// ec2.create_instances/wait_until_running/terminate calls and
// manager_userdata.py's InstanceLimitExceeded handling.
package fleet

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	smithy "github.com/aws/smithy-go"

	mccerrs "github.com/cuemby/mcc/pkg/errs"
)

// LaunchSpec describes a batch of instances to launch.
type LaunchSpec struct {
	InstanceType     string
	LaunchTemplateID string
	TemplateVersion  string
	UserData         string // base64-encoded on the wire; callers pass raw text
	Count            int
}

// Instance is the subset of EC2 instance state the Manager needs.
type Instance struct {
	ID    string
	State string
}

// Fleet is the Cloud Fleet contract (spec.md §6): launch, inspect, and
// terminate compute nodes, reporting quota exhaustion distinctly from
// other failures (spec.md §7 QuotaExceeded).
type Fleet interface {
	Launch(ctx context.Context, spec LaunchSpec) ([]Instance, error)
	WaitRunning(ctx context.Context, ids []string) error
	Describe(ctx context.Context, ids []string) ([]Instance, error)
	Terminate(ctx context.Context, ids []string) error
	WaitTerminated(ctx context.Context, ids []string) error
	SelfInstanceID(ctx context.Context) (string, error)
}

// EC2Fleet implements Fleet against AWS EC2.
type EC2Fleet struct {
	client *ec2.Client
}

func NewEC2Fleet(client *ec2.Client) *EC2Fleet {
	return &EC2Fleet{client: client}
}

// Launch creates spec.Count instances from a launch template (spec.md
// §4.2 seed: "ask CF to launch W worker instances"). A quota error on the
// underlying call (EC2's InstanceLimitExceeded) is reported as
// errs.ErrQuotaExceeded so callers can continue with a smaller fleet
// instead of treating it as fatal (spec.md §7).
func (f *EC2Fleet) Launch(ctx context.Context, spec LaunchSpec) ([]Instance, error) {
	out, err := f.client.RunInstances(ctx, &ec2.RunInstancesInput{
		LaunchTemplate: &types.LaunchTemplateSpecification{
			LaunchTemplateId: aws.String(spec.LaunchTemplateID),
			Version:          aws.String(spec.TemplateVersion),
		},
		InstanceType:                      types.InstanceType(spec.InstanceType),
		MinCount:                          aws.Int32(1),
		MaxCount:                          aws.Int32(int32(spec.Count)),
		UserData:                          aws.String(spec.UserData),
		InstanceInitiatedShutdownBehavior: types.ShutdownBehaviorTerminate,
	})
	if err != nil {
		if isQuotaError(err) {
			return nil, mccerrs.ErrQuotaExceeded
		}
		return nil, err
	}

	instances := make([]Instance, 0, len(out.Instances))
	for _, inst := range out.Instances {
		instances = append(instances, Instance{ID: aws.ToString(inst.InstanceId), State: string(inst.State.Name)})
	}
	return instances, nil
}

// WaitRunning blocks until all ids report the running state (spec.md
// §4.2: "wait for it to reach Running").
func (f *EC2Fleet) WaitRunning(ctx context.Context, ids []string) error {
	waiter := ec2.NewInstanceRunningWaiter(f.client)
	return waiter.Wait(ctx, &ec2.DescribeInstancesInput{InstanceIds: ids}, 10*time.Minute)
}

// WaitTerminated blocks until all ids report the terminated state
// (spec.md §4.2 supervise step 4a: terminate then wait before requeue).
func (f *EC2Fleet) WaitTerminated(ctx context.Context, ids []string) error {
	waiter := ec2.NewInstanceTerminatedWaiter(f.client)
	return waiter.Wait(ctx, &ec2.DescribeInstancesInput{InstanceIds: ids}, 10*time.Minute)
}

func (f *EC2Fleet) Describe(ctx context.Context, ids []string) ([]Instance, error) {
	out, err := f.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: ids})
	if err != nil {
		return nil, err
	}
	var instances []Instance
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			instances = append(instances, Instance{ID: aws.ToString(inst.InstanceId), State: string(inst.State.Name)})
		}
	}
	return instances, nil
}

func (f *EC2Fleet) Terminate(ctx context.Context, ids []string) error {
	_, err := f.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: ids})
	return err
}

// SelfInstanceID reads this instance's id from the EC2 instance metadata
// service (spec.md §4.2/§4.3: both Manager and Worker self-identify via
// IMDS, matching original_source's requests.get("http://169.254.169.254/...")).
func (f *EC2Fleet) SelfInstanceID(ctx context.Context) (string, error) {
	return imdsInstanceID(ctx)
}

func isQuotaError(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "InstanceLimitExceeded"
	}
	return false
}
