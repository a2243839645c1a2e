package natsbus

import "fmt"

// Topic patterns for completion/error events emitted by the
// dispatcher, the cron scheduler, and the workflow engine.

func TopicTaskEvent(kind string) string {
	return fmt.Sprintf("events.task.%s", kind)
}

func TopicCronEvent(kind string) string {
	return fmt.Sprintf("events.cron.%s", kind)
}

func TopicWorkflowEvent(kind string) string {
	return fmt.Sprintf("events.workflow.%s", kind)
}

const (
	TopicEventsAll      = "events.>"
	TopicEventsTask     = "events.task.*"
	TopicEventsCron     = "events.cron.*"
	TopicEventsWorkflow = "events.workflow.*"
)
