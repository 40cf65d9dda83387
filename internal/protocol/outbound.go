package protocol

// Outbound message types published on the server channel.
const (
	TypeTaskStatusUpdate = "taskStatusUpdate"
	TypeSubfeedUpdate    = "subfeedUpdate"
	TypeReportAlive      = "reportAlive"
	TypeUserPermissions  = "userPermissions"
	TypeBackendInfo      = "backendInfo"
)

// TaskStatusUpdate reports a task status change.
type TaskStatusUpdate struct {
	Type     string `json:"type"`
	TaskHash string `json:"taskHash"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

func NewTaskStatusUpdate(taskHash, status, errText string) TaskStatusUpdate {
	return TaskStatusUpdate{Type: TypeTaskStatusUpdate, TaskHash: taskHash, Status: status, Error: errText}
}

// SubfeedUpdate reports the new message count of a subscribed subfeed.
type SubfeedUpdate struct {
	Type         string `json:"type"`
	FeedID       string `json:"feedId"`
	SubfeedHash  string `json:"subfeedHash"`
	MessageCount int64  `json:"messageCount"`
}

func NewSubfeedUpdate(feedID, subfeedHash string, messageCount int64) SubfeedUpdate {
	return SubfeedUpdate{Type: TypeSubfeedUpdate, FeedID: feedID, SubfeedHash: subfeedHash, MessageCount: messageCount}
}

// ReportAlive is the liveness heartbeat.
type ReportAlive struct {
	Type string `json:"type"`
}

func NewReportAlive() ReportAlive { return ReportAlive{Type: TypeReportAlive} }

// UserPermissions answers getUserPermissions.
type UserPermissions struct {
	Type        string `json:"type"`
	UserID      string `json:"userId"`
	Permissions any    `json:"permissions"`
}

func NewUserPermissions(userID string, perms any) UserPermissions {
	return UserPermissions{Type: TypeUserPermissions, UserID: userID, Permissions: perms}
}

// BackendInfo answers getBackendInfo.
type BackendInfo struct {
	Type           string `json:"type"`
	ProjectVersion string `json:"projectVersion"`
}

func NewBackendInfo(version string) BackendInfo {
	return BackendInfo{Type: TypeBackendInfo, ProjectVersion: version}
}
