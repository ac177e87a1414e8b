// Package raylogging configures the process-wide logrus logger used
// by cmd/ray-submit and the collaborator implementations it wires up.
// The submitter core itself never imports this package.
package raylogging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Configure installs a formatter and level on the standard logger,
// choosing JSON when format is "json" and falling back to a
// human-readable text formatter otherwise.
func Configure(format, level string) error {
	switch format {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	logrus.SetOutput(os.Stdout)

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logrus.SetLevel(parsed)
	return nil
}

// TaskFields builds the common set of fields attached to log lines
// that wrap the core's collaborator calls (task id, scheduling class,
// worker address), so a call site only needs to name which of them it
// has on hand.
func TaskFields(taskID, workerAddress string, schedulingClass uint64) logrus.Fields {
	fields := logrus.Fields{}
	if taskID != "" {
		fields["task_id"] = taskID
	}
	if workerAddress != "" {
		fields["worker_address"] = workerAddress
	}
	if schedulingClass != 0 {
		fields["scheduling_class"] = schedulingClass
	}
	return fields
}
