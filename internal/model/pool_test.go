package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPoolStatusScalable(t *testing.T) {
	tests := []struct {
		name string
		pool PoolStatus
		want bool
	}{
		{
			name: "steady pool",
			pool: PoolStatus{ProvisioningState: "Succeeded"},
			want: true,
		},
		{
			name: "platform autoscaler owns the pool",
			pool: PoolStatus{ProvisioningState: "Succeeded", AutoscalingEnabled: true},
			want: false,
		},
		{
			name: "operation in flight",
			pool: PoolStatus{ProvisioningState: "Updating"},
			want: false,
		},
		{
			name: "pool being deleted",
			pool: PoolStatus{ProvisioningState: "Deleting"},
			want: false,
		},
		{
			name: "empty snapshot",
			pool: PoolStatus{},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.pool.Scalable())
		})
	}
}
