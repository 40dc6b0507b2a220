package baw

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/romshark/ampdu-go/descring"
)

func TestRetryCeilings(t *testing.T) {
	for _, tc := range []struct {
		class Class
		limit int
	}{
		{ClassLegacy, 13},
		{ClassAggregate, 10},
		{ClassMgmt, 4},
	} {
		t.Run(tc.class.String(), func(t *testing.T) {
			assert := require.New(t)
			assert.Equal(tc.limit, tc.class.RetryLimit())

			st := descring.BufferState{Retries: tc.limit - 2}
			assert.Equal(Retry, RetryOrDrop(&st, tc.class.RetryLimit()))
			assert.True(st.IsRetried)
			assert.False(st.IsExcessivelyRetried)

			assert.Equal(Drop, RetryOrDrop(&st, tc.class.RetryLimit()))
			assert.Equal(tc.limit, st.Retries)
			assert.True(st.IsExcessivelyRetried)
		})
	}
}
