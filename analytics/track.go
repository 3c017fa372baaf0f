// Package analytics creates the tracker that upload events are reported to.
package analytics

import (
	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
)

type TrackerFactory func(log.Logger, ...analytics.Properties) analytics.Tracker

const (
	SessionIDEnvKey = "BLOCKUPLOAD_SESSION_ID"
	SessionID       = "session_id"
	Namespace       = "namespace"
)

// NewUploadTracker creates a tracker whose events carry the session ID and resume namespace.
// Without BLOCKUPLOAD_SESSION_ID a random session ID is used.
func NewUploadTracker(repository env.Repository, logger log.Logger, namespace string, trackerFactory TrackerFactory) analytics.Tracker {
	sessionID := repository.Get(SessionIDEnvKey)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	return trackerFactory(logger, analytics.Properties{
		SessionID: sessionID,
		Namespace: namespace,
	})
}

func NewDefaultUploadTracker(repository env.Repository, logger log.Logger, namespace string) analytics.Tracker {
	return NewUploadTracker(repository, logger, namespace, analytics.NewDefaultTracker)
}
