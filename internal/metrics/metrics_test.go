package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard https", "https://SJF.scjn.gob.mx/Busqueda", "sjf.scjn.gob.mx"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, SanitizeSite(tc.input))
		})
	}
}

func TestObserveCounters(t *testing.T) {
	Init()
	Init()

	before := testutil.ToFloat64(mergeRecordsTotal.WithLabelValues(MergeDuplicate))
	ObserveMerge(MergeDuplicate)
	ObserveMerge(MergeDuplicate)
	assert.Equal(t, before+2, testutil.ToFloat64(mergeRecordsTotal.WithLabelValues(MergeDuplicate)))

	staged := testutil.ToFloat64(recordsStagedTotal)
	ObserveBatchStaged(3)
	assert.Equal(t, staged+3, testutil.ToFloat64(recordsStagedTotal))

	ObserveRecord(OutcomeRejected, "MISSING_FIELD")
	assert.GreaterOrEqual(t, testutil.ToFloat64(recordsTotal.WithLabelValues(OutcomeRejected, "MISSING_FIELD")), 1.0)
}

func FuzzSanitizeSite(f *testing.F) {
	for _, tc := range []string{"http://example.com", "https://sjf2.scjn.gob.mx", "ftp://example.com"} {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeSite(orig) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
