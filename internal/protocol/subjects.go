package protocol

const (
	SubjectParticipantAnnounce        = "ctrl.participant.announce"
	SubjectParticipantHeartbeatPrefix = "ctrl.participant.heartbeat"
)

func SubjectChange(sessionID string) string        { return "lecture." + sessionID + ".change" }
func SubjectAdvance(sessionID string) string       { return "lecture." + sessionID + ".advance" }
func SubjectSnapshot(sessionID string) string      { return "lecture." + sessionID + ".snapshot" }
func SubjectFinish(sessionID string) string        { return "lecture." + sessionID + ".finish" }
func SubjectFinishRequest(sessionID string) string { return "lecture." + sessionID + ".finish.request" }
func SubjectNarrationAudio(sessionID string) string {
	return "narration." + sessionID + ".audio"
}
func SubjectNarrationDone(sessionID string) string { return "narration." + sessionID + ".done" }

func SubjectParticipantHeartbeat(nodeID string) string {
	return SubjectParticipantHeartbeatPrefix + "." + nodeID
}
