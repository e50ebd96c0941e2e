package core

import (
	"fmt"
	"testing"
)

func Benchmark_Merge(b *testing.B) {
	const (
		rollover        = 1024 // 1KB segments
		sealedSegments  = 5
		recordsPerBatch = 50
	)

	for i := 0; i < b.N; i++ {
		b.StopTimer()
		eng, _ := setupTempEngine(b, WithRolloverThreshold(rollover))

		for seg := 0; seg < sealedSegments; seg++ {
			for r := 0; r < recordsPerBatch; r++ {
				key := fmt.Sprintf("key%03d%02d", seg, r)
				val := fmt.Sprintf("val%03d%02d", seg, r)
				if err := eng.Put([]byte(key), []byte(val)); err != nil {
					b.Fatalf("Put: %v", err)
				}
			}
		}

		b.StartTimer()
		if err := eng.Merge(); err != nil {
			b.Fatalf("Merge: %v", err)
		}
	}
}
