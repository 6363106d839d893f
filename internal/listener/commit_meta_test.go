package listener

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMarshalCommitMeta(t *testing.T) {
	tests := []struct {
		name         string
		commitRecTs  int64
		expectedMeta string
	}{
		{"ValidTimestamp", 1627846261, "1,1627846261"},
		{"ZeroTimestamp", 0, "1,0"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			meta := marshalCommitMeta(tc.commitRecTs)
			assert.Equal(t, tc.expectedMeta, meta)
		})
	}
}

func TestUnmarshalCommitMeta(t *testing.T) {
	tests := []struct {
		name          string
		meta          string
		expectedTs    int64
		expectedError bool
	}{
		{"ValidMeta", "1,1627846261", 1627846261, false},
		{"InvalidMetaFormat", "1,invalid", 0, true},
		{"UnsupportedVersion", "2,1627846261", 0, true},
		{"EmptyMeta", "", 0, false},
		{"Malformed", "nocomma", 0, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ts, err := unmarshalCommitMeta(tc.meta)
			if tc.expectedError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tc.expectedTs, ts)
		})
	}
}

func TestTransactionCoordinator_IsProducerFenced(t *testing.T) {
	assert.False(t, isProducerFenced(nil))
	assert.False(t, isProducerFenced(assert.AnError))
	assert.True(t, isProducerFenced(fmt.Errorf("producer fenced by a newer instance")))
}
