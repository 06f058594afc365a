// Package websocket implements the real-time pub/sub hub that pushes patrol
// events to connected dashboard clients. It uses gorilla/websocket under the
// hood and exposes a topic-based broadcast API consumed by the engine, the
// dispatcher, and the API handlers.
//
// Topic naming convention:
//
//	task:<task_id>  lifecycle and step updates for one task
//	tasks           every task lifecycle event (dashboard list view)
//	robot:<id>      availability and status changes for one robot
package websocket

// MessageType identifies the kind of event carried by a Message. The
// dashboard dispatches on this field to the matching store update.
type MessageType string

const (
	// MsgTaskStatus is sent when a task transitions between lifecycle
	// states (queued → in_progress → done | failed | cancelled |
	// shelf_dropped).
	MsgTaskStatus MessageType = "task.status"

	// MsgStepStatus is sent when a step starts executing or reaches a
	// terminal state, so the task detail view can track the patrol live.
	MsgStepStatus MessageType = "step.status"

	// MsgRobotStatus is sent when a robot picks up or releases a task.
	MsgRobotStatus MessageType = "robot.status"

	// MsgScanRecorded is sent when a bio scan attempt lands in the history,
	// valid or not.
	MsgScanRecorded MessageType = "scan.recorded"

	// MsgPing keeps the connection alive and lets clients detect staleness.
	MsgPing MessageType = "ping"
)

// Message is the envelope for every WebSocket frame sent to clients.
//
// JSON example:
//
//	{"type":"task.status","topic":"task:task_20260824_070000_9f2c41aa","payload":{"status":"in_progress"}}
type Message struct {
	Type MessageType `json:"type"`

	// Topic is the pub/sub channel this message was published on.
	Topic string `json:"topic"`

	// Payload carries the event-specific data. The shape varies by Type:
	//   - task.status:   task snapshot fields {"task_id","status",...}
	//   - step.status:   {"task_id","step_id","action","status"}
	//   - robot.status:  {"robot_id","busy","task_id"}
	//   - scan.recorded: {"task_id","location_id","status","is_valid"}
	//   - ping:          {} (empty)
	Payload any `json:"payload"`
}

// TopicTasks carries every task lifecycle event.
const TopicTasks = "tasks"

// TaskTopic returns the per-task topic name.
func TaskTopic(taskID string) string { return "task:" + taskID }

// RobotTopic returns the per-robot topic name.
func RobotTopic(robotID string) string { return "robot:" + robotID }
