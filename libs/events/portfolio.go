package events

import "github.com/google/uuid"

const (
	TypeProjectCreated         = "ProjectCreatedEvent"
	TypeProjectUpdated         = "ProjectUpdatedEvent"
	TypeProjectDeleted         = "ProjectDeletedEvent"
	TypeTaskCreated            = "TaskCreatedEvent"
	TypeTaskUpdated            = "TaskUpdatedEvent"
	TypeTaskDeleted            = "TaskDeletedEvent"
	TypeNotificationSubscribed = "notification.subscribed"
)

var knownTypes = map[string]bool{}

func init() {
	for _, t := range []string{
		TypeProjectCreated, TypeProjectUpdated, TypeProjectDeleted,
		TypeTaskCreated, TypeTaskUpdated, TypeTaskDeleted,
		TypeNotificationSubscribed,
	} {
		knownTypes[RoutingKey(t)] = true
	}
}

// Known reports whether eventType is one of the types declared here, compared
// the way routing keys are.
func Known(eventType string) bool {
	return knownTypes[RoutingKey(eventType)]
}

type ProjectCreated struct {
	Base
	ProjectID   uuid.UUID `json:"projectId"`
	ProjectName string    `json:"projectName"`
}

func NewProjectCreated(projectID uuid.UUID, name string) ProjectCreated {
	return ProjectCreated{Base: NewBase(TypeProjectCreated), ProjectID: projectID, ProjectName: name}
}

type ProjectUpdated struct {
	Base
	ProjectID   uuid.UUID `json:"projectId"`
	ProjectName string    `json:"projectName"`
}

func NewProjectUpdated(projectID uuid.UUID, name string) ProjectUpdated {
	return ProjectUpdated{Base: NewBase(TypeProjectUpdated), ProjectID: projectID, ProjectName: name}
}

type ProjectDeleted struct {
	Base
	ProjectID uuid.UUID `json:"projectId"`
}

func NewProjectDeleted(projectID uuid.UUID) ProjectDeleted {
	return ProjectDeleted{Base: NewBase(TypeProjectDeleted), ProjectID: projectID}
}

type TaskCreated struct {
	Base
	TaskID    uuid.UUID `json:"taskId"`
	ProjectID uuid.UUID `json:"projectId"`
	TaskTitle string    `json:"taskTitle"`
}

func NewTaskCreated(taskID, projectID uuid.UUID, title string) TaskCreated {
	return TaskCreated{Base: NewBase(TypeTaskCreated), TaskID: taskID, ProjectID: projectID, TaskTitle: title}
}

type TaskUpdated struct {
	Base
	TaskID    uuid.UUID `json:"taskId"`
	TaskTitle string    `json:"taskTitle"`
	NewStatus string    `json:"newStatus"`
}

func NewTaskUpdated(taskID uuid.UUID, title, newStatus string) TaskUpdated {
	return TaskUpdated{Base: NewBase(TypeTaskUpdated), TaskID: taskID, TaskTitle: title, NewStatus: newStatus}
}

type TaskDeleted struct {
	Base
	TaskID uuid.UUID `json:"taskId"`
}

func NewTaskDeleted(taskID uuid.UUID) TaskDeleted {
	return TaskDeleted{Base: NewBase(TypeTaskDeleted), TaskID: taskID}
}

// NotificationSubscribed uses a dotted routing-style type so dedicated
// consumers can bind to it directly.
type NotificationSubscribed struct {
	Base
	SubscriberID uuid.UUID `json:"subscriberId"`
	Email        string    `json:"email"`
}

func NewNotificationSubscribed(subscriberID uuid.UUID, email string) NotificationSubscribed {
	return NotificationSubscribed{Base: NewBase(TypeNotificationSubscribed), SubscriberID: subscriberID, Email: email}
}

// Activity is the generic "something happened to an entity" event the
// command handlers emit, e.g. NewActivity("ProjectCreated", id, name).
type Activity struct {
	Base
	EntityID   string `json:"entityId"`
	EntityName string `json:"entityName"`
}

func NewActivity(activityType, entityID, entityName string) Activity {
	return Activity{Base: NewBase(activityType), EntityID: entityID, EntityName: entityName}
}
