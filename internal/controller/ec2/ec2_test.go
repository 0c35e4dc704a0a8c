package ec2

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/timebomb/internal/controller"
)

type fakeAPI struct {
	state     types.InstanceStateName
	dryRunErr error
	stopped   int
}

func (f *fakeAPI) DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	return &ec2.DescribeInstancesOutput{
		Reservations: []types.Reservation{{
			Instances: []types.Instance{{
				InstanceId: aws.String(in.InstanceIds[0]),
				State:      &types.InstanceState{Name: f.state},
			}},
		}},
	}, nil
}

func (f *fakeAPI) StopInstances(ctx context.Context, in *ec2.StopInstancesInput, _ ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error) {
	if aws.ToBool(in.DryRun) {
		return nil, f.dryRunErr
	}
	f.stopped++
	f.state = types.InstanceStateNameStopping
	return &ec2.StopInstancesOutput{
		StoppingInstances: []types.InstanceStateChange{{
			InstanceId:    aws.String(in.InstanceIds[0]),
			CurrentState:  &types.InstanceState{Name: f.state},
			PreviousState: &types.InstanceState{Name: types.InstanceStateNameRunning},
		}},
	}, nil
}

func (f *fakeAPI) TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, _ ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	if aws.ToBool(in.DryRun) {
		return nil, f.dryRunErr
	}
	f.state = types.InstanceStateNameShuttingDown
	return &ec2.TerminateInstancesOutput{
		TerminatingInstances: []types.InstanceStateChange{{
			InstanceId:   aws.String(in.InstanceIds[0]),
			CurrentState: &types.InstanceState{Name: f.state},
		}},
	}, nil
}

func TestDescribeAndActions(t *testing.T) {
	api := &fakeAPI{state: types.InstanceStateNameRunning}
	c := NewWithAPI(api)
	ctx := context.Background()

	st, err := c.Describe(ctx, "i-1234")
	require.NoError(t, err)
	assert.Equal(t, controller.StateRunning, st)

	st, err = c.Stop(ctx, "i-1234")
	require.NoError(t, err)
	assert.Equal(t, controller.StateStopping, st)
	assert.True(t, controller.ActionStop.Satisfied(st))

	st, err = c.Terminate(ctx, "i-1234")
	require.NoError(t, err)
	assert.Equal(t, controller.StateShuttingDown, st)
}

func TestDryRun(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr error
		ok      bool
	}{
		{"authorized", &smithy.GenericAPIError{Code: "DryRunOperation"}, nil, true},
		{"unauthorized", &smithy.GenericAPIError{Code: "UnauthorizedOperation", Message: "nope"}, controller.ErrUnauthorized, false},
		{"other failure", errors.New("dial tcp: no route"), nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{state: types.InstanceStateNameRunning, dryRunErr: tt.err}
			err := NewWithAPI(api).DryRun(context.Background(), controller.ActionStop, "i-1234")
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NotErrorIs(t, err, controller.ErrUnauthorized)
			}
			assert.Equal(t, 0, api.stopped, "dry run must not stop the instance")
		})
	}
}
