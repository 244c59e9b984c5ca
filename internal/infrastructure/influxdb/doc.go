// Package influxdb records regsup supervisor metrics in InfluxDB v2.
//
// Three measurements are written:
//
//	task_runs          tags supervisor, kind, outcome; fields wait_ms, duration_ms, bytes, label
//	supervisor_state   tags supervisor, state; field from
//	supervisor_process tags supervisor; fields pid, rss_bytes, cpu_percent, threads
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteStateChange("verdaccio", "stopped", "starting", time.Now())
//
// Writes are batched per batch_size and flush_interval and never block the
// caller; failed batches are reported through SetOnError.
package influxdb
