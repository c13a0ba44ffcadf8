package client

import "github.com/hyperengineering/nexlevel/internal/types"

// Wire types shared with the server.
type (
	User                 = types.User
	TokenResponse        = types.TokenResponse
	SignupRequest        = types.SignupRequest
	LoginRequest         = types.LoginRequest
	Challenge            = types.ChallengeDefinition
	ChallengeInput       = types.ChallengeInput
	TaskInput            = types.TaskInput
	Frequency            = types.Frequency
	JoinChallengeRequest = types.JoinChallengeRequest
	Instance             = types.ChallengeInstance
	InstanceView         = types.InstanceView
	CheckInRequest       = types.CheckInRequest
	CheckInResponse      = types.CheckInResponse
	Progress             = types.Progress
	Notification         = types.Notification
	NotificationList     = types.NotificationList
)
