package stats

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReservoirSampler(t *testing.T) {
	t.Run("Basic functionality", func(t *testing.T) {
		rs := NewReservoirSampler(10)

		for i := int64(1); i <= 20; i++ {
			rs.Add(i * 10)
		}

		require.EqualValues(t, 20, rs.Count())

		p50, p95, p99 := rs.GetPercentiles()
		require.NotZero(t, p50)
		require.NotZero(t, p95)
		require.NotZero(t, p99)

		// With small sample sizes these might be equal, but never inverted.
		require.LessOrEqual(t, p50, p95)
		require.LessOrEqual(t, p95, p99)
	})

	t.Run("Empty sampler", func(t *testing.T) {
		rs := NewReservoirSampler(10)

		p50, p95, p99 := rs.GetPercentiles()
		require.Zero(t, p50)
		require.Zero(t, p95)
		require.Zero(t, p99)
	})

	t.Run("Single value", func(t *testing.T) {
		rs := NewReservoirSampler(10)
		rs.Add(100)

		p50, p95, p99 := rs.GetPercentiles()
		require.EqualValues(t, 100, p50)
		require.EqualValues(t, 100, p95)
		require.EqualValues(t, 100, p99)
	})

	t.Run("Reset functionality", func(t *testing.T) {
		rs := NewReservoirSampler(10)

		for i := 0; i < 100; i++ {
			rs.Add(int64(i))
		}

		rs.Reset()

		require.Zero(t, rs.Count())

		p50, p95, p99 := rs.GetPercentiles()
		require.Zero(t, p50)
		require.Zero(t, p95)
		require.Zero(t, p99)
	})
}

func TestSimpleStatsTracker(t *testing.T) {
	t.Run("Basic functionality", func(t *testing.T) {
		st := NewSimpleStatsTracker()

		values := []int64{10, 20, 30, 40, 50}
		for _, v := range values {
			st.Add(v)
		}

		require.EqualValues(t, 5, st.Count())
		require.EqualValues(t, 30, st.GetAverage())
		require.EqualValues(t, 10, st.GetMin())
		require.EqualValues(t, 50, st.GetMax())
	})

	t.Run("Empty tracker", func(t *testing.T) {
		st := NewSimpleStatsTracker()

		require.Zero(t, st.Count())
		require.Zero(t, st.GetAverage())

		p50, p95, p99 := st.GetPercentiles()
		require.Zero(t, p50)
		require.Zero(t, p95)
		require.Zero(t, p99)
	})

	t.Run("Reset functionality", func(t *testing.T) {
		st := NewSimpleStatsTracker()

		for i := 0; i < 100; i++ {
			st.Add(int64(i))
		}

		st.Reset()

		require.Zero(t, st.Count())
		require.Zero(t, st.GetMin())
		require.Zero(t, st.GetMax())
	})
}

func BenchmarkReservoirSampler(b *testing.B) {
	rs := NewReservoirSampler(100)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rs.Add(int64(i % 1000))
	}
}

func BenchmarkSimpleStatsTracker(b *testing.B) {
	st := NewSimpleStatsTracker()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		st.Add(int64(i % 1000))
	}
}

func BenchmarkArrayImplementation(b *testing.B) {
	// Simulate current implementation with 1000-element array
	latencies := make([]int64, 1000)
	index := 0

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		latencies[index] = int64(i % 1000)
		index = (index + 1) % 1000
	}
}

// Memory allocation benchmark
func BenchmarkMemoryAllocation(b *testing.B) {
	b.Run("Current_1000_Array", func(b *testing.B) {
		b.ReportAllocs()
		var sink interface{}
		for i := 0; i < b.N; i++ {
			sink = make([]int64, 1000)
		}
		_ = sink
	})

	b.Run("ReservoirSampler_100", func(b *testing.B) {
		b.ReportAllocs()
		var sink interface{}
		for i := 0; i < b.N; i++ {
			sink = NewReservoirSampler(100)
		}
		_ = sink
	})

	b.Run("SimpleStatsTracker", func(b *testing.B) {
		b.ReportAllocs()
		var sink interface{}
		for i := 0; i < b.N; i++ {
			sink = NewSimpleStatsTracker()
		}
		_ = sink
	})
}

// Size comparison benchmark
func BenchmarkMemorySize(b *testing.B) {
	b.Run("ModelData_Old_100Models", func(b *testing.B) {
		b.ReportAllocs()
		// Simulate old model data structure with 100 models
		models := make([]struct {
			latencies []int64
			other     [100]byte // Simulate other fields
		}, 100)

		for i := range models {
			models[i].latencies = make([]int64, 1000)
		}
		b.ReportMetric(float64(len(models)*1000*8), "bytes/total")
	})

	b.Run("ModelData_New_100Models", func(b *testing.B) {
		b.ReportAllocs()
		// Simulate new model data structure with 100 models
		models := make([]struct {
			tracker PercentileTracker
			other   [100]byte // Simulate other fields
		}, 100)

		for i := range models {
			models[i].tracker = NewReservoirSampler(100)
		}
		b.ReportMetric(float64(len(models)*100*8), "bytes/total")
	})
}
