package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestDeadLetterObserver_IncrementsCounter(t *testing.T) {
	before := testutil.ToFloat64(DeadLetterSinkErrorsTotal)
	DeadLetterObserver{}.RecordDeadLetterSinkError()
	assert.Equal(t, before+1, testutil.ToFloat64(DeadLetterSinkErrorsTotal))
}

func TestCollectorsLint(t *testing.T) {
	problems, err := testutil.CollectAndLint(JobExecutionTotal)
	assert.NoError(t, err)
	assert.Empty(t, problems)
}
