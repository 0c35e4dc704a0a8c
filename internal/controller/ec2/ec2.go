// Package ec2 implements controller.Controller for Amazon EC2 instances.
package ec2

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"

	"github.com/psantana5/timebomb/internal/controller"
	"github.com/psantana5/timebomb/pkg/retry"
)

// API is the subset of the EC2 client used here.
type API interface {
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	StopInstances(ctx context.Context, in *ec2.StopInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error)
	TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

// Controller acts on EC2 instances by instance id.
type Controller struct {
	api   API
	retry retry.Config
}

// New loads AWS configuration (optionally from a named shared-config profile)
// and returns a Controller.
func New(ctx context.Context, profile, region string) (*Controller, error) {
	var opts []func(*config.LoadOptions) error
	if profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(profile))
	}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return NewWithAPI(ec2.NewFromConfig(cfg)), nil
}

// NewWithAPI returns a Controller backed by api.
func NewWithAPI(api API) *Controller {
	return &Controller{api: api, retry: retry.DefaultConfig()}
}

func (c *Controller) Describe(ctx context.Context, instanceID string) (controller.State, error) {
	var out *ec2.DescribeInstancesOutput
	err := retry.Do(ctx, c.retry, func() error {
		var err error
		out, err = c.api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
			InstanceIds: []string{instanceID},
		})
		return err
	})
	if err != nil {
		return controller.StateUnknown, fmt.Errorf("describe %s: %w", instanceID, err)
	}

	for _, r := range out.Reservations {
		for _, inst := range r.Instances {
			if aws.ToString(inst.InstanceId) == instanceID && inst.State != nil {
				return controller.ParseState(string(inst.State.Name)), nil
			}
		}
	}
	return controller.StateUnknown, fmt.Errorf("describe %s: instance not found", instanceID)
}

func (c *Controller) Stop(ctx context.Context, instanceID string) (controller.State, error) {
	var out *ec2.StopInstancesOutput
	err := retry.Do(ctx, c.retry, func() error {
		var err error
		out, err = c.api.StopInstances(ctx, &ec2.StopInstancesInput{
			InstanceIds: []string{instanceID},
		})
		return err
	})
	if err != nil {
		return controller.StateUnknown, fmt.Errorf("stop %s: %w", instanceID, err)
	}
	return currentState(out.StoppingInstances, instanceID), nil
}

func (c *Controller) Terminate(ctx context.Context, instanceID string) (controller.State, error) {
	var out *ec2.TerminateInstancesOutput
	err := retry.Do(ctx, c.retry, func() error {
		var err error
		out, err = c.api.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
			InstanceIds: []string{instanceID},
		})
		return err
	})
	if err != nil {
		return controller.StateUnknown, fmt.Errorf("terminate %s: %w", instanceID, err)
	}
	return currentState(out.TerminatingInstances, instanceID), nil
}

// DryRun issues the action with DryRun set. EC2 answers DryRunOperation when
// the request would have succeeded and UnauthorizedOperation when it would not.
func (c *Controller) DryRun(ctx context.Context, action controller.Action, instanceID string) error {
	var err error
	switch action {
	case controller.ActionStop:
		_, err = c.api.StopInstances(ctx, &ec2.StopInstancesInput{
			InstanceIds: []string{instanceID},
			DryRun:      aws.Bool(true),
		})
	case controller.ActionTerminate:
		_, err = c.api.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
			InstanceIds: []string{instanceID},
			DryRun:      aws.Bool(true),
		})
	default:
		return fmt.Errorf("%w: %q", controller.ErrUnknownAction, action)
	}

	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "DryRunOperation":
			return nil
		case "UnauthorizedOperation":
			return fmt.Errorf("%s %s: %w: %s", action, instanceID, controller.ErrUnauthorized, apiErr.ErrorMessage())
		}
	}
	return fmt.Errorf("dry-run %s %s: %w", action, instanceID, err)
}

func currentState(changes []types.InstanceStateChange, instanceID string) controller.State {
	for _, ch := range changes {
		if aws.ToString(ch.InstanceId) == instanceID && ch.CurrentState != nil {
			return controller.ParseState(string(ch.CurrentState.Name))
		}
	}
	return controller.StateUnknown
}
