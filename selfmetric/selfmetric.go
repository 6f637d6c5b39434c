// Package selfmetric builds self-observation samples for the ingest
// daemon and rollup engine. Samples are constructed directly as
// lineproto.Sample values, bypassing the line parser, so emitting one
// never recurses through the network listeners back into the emitting
// subsystem.
package selfmetric

import "smalltsdb/lineproto"

// Sample builds "{prefix}.{name}" at timestamp now with the given value.
func Sample(prefix, name string, now, value float64) lineproto.Sample {
	return lineproto.Sample{
		Path:      prefix + "." + name,
		Value:     value,
		Timestamp: now,
	}
}
