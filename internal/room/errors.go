package room

import "errors"

var (
	ErrRoomNotFound        = errors.New("room not found")
	ErrRoomFull            = errors.New("room full")
	ErrNotEntitled         = errors.New("not entitled to join consultation")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrConsultationEnded   = errors.New("consultation ended")

	ErrNotAuthorized    = errors.New("not authorized to control recording")
	ErrAlreadyRecording = errors.New("recording already in progress")
	ErrNotRecording     = errors.New("no recording in progress")

	ErrShuttingDown = errors.New("service shutting down")
)
