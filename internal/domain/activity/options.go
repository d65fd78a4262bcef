package activity

// ListActivityOptions provides filtering options for listing activity.
type ListActivityOptions struct {
	Project      string
	JobID        *string
	ActivityType *ActivityType
	Limit        int
	Offset       int
}
