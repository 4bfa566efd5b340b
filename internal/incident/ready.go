package incident

// Ready reports whether an incident has everything the planner needs and has
// not been planned yet. It is derived from the full record state only, so it
// can be evaluated any number of times on duplicated or reordered notifications.
func Ready(inc *Incident) bool {
	if inc == nil {
		return false
	}
	return Detected(inc) && Retrieved(inc) && inc.RemediationPlan == nil
}

// Detected reports whether the detector has written its verdict.
func Detected(inc *Incident) bool {
	return inc.IsAnomaly != nil
}

// Retrieved reports whether the retriever attached a non-empty context.
func Retrieved(inc *Incident) bool {
	return len(inc.RetrievedContext) > 0
}

// NotReadyReasons lists why an incident is not ready, for logging.
func NotReadyReasons(inc *Incident) []string {
	if inc == nil {
		return []string{"no record"}
	}
	var reasons []string
	if !Detected(inc) {
		reasons = append(reasons, "detection not complete")
	}
	if !Retrieved(inc) {
		reasons = append(reasons, "retrieval not complete")
	}
	if inc.RemediationPlan != nil {
		reasons = append(reasons, "plan already exists")
	}
	return reasons
}
