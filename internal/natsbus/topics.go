package natsbus

import "fmt"

// Topic patterns for NATS pub/sub communication.

// TopicEngineIPC is the request/reply control plane the CLI talks to.
const TopicEngineIPC = "engine.ipc"

// QueueEngine groups IPC subscribers so a request is served once.
const QueueEngine = "engine"

func TopicRunEvents(runID string) string {
	return fmt.Sprintf("events.run.%s", runID)
}

func TopicScheduleEvents(scheduleID string) string {
	return fmt.Sprintf("events.schedule.%s", scheduleID)
}

const (
	TopicEventsAll       = "events.>"
	TopicEventsRuns      = "events.run.*"
	TopicEventsSchedules = "events.schedule.*"
	TopicEventsStats     = "events.stats"
)
