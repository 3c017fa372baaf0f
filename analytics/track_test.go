package analytics

import (
	"testing"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type repository struct {
	mock.Mock
}

func (r *repository) Get(key string) string {
	return r.Called(key).String(0)
}

func (r *repository) Set(key, value string) error {
	return r.Called(key, value).Error(0)
}

func (r *repository) Unset(key string) error {
	return r.Called(key).Error(0)
}

func (r *repository) List() []string {
	return r.Called().Get(0).([]string)
}

type trackerFactory struct {
	mock.Mock
}

func (f *trackerFactory) Execute(logger log.Logger, properties ...analytics.Properties) analytics.Tracker {
	args := f.Called(properties[0])
	tracker, _ := args.Get(0).(analytics.Tracker)
	return tracker
}

func TestNewUploadTrackerUsesSessionIDFromEnv(t *testing.T) {
	repo := new(repository)
	repo.On("Get", SessionIDEnvKey).Return("session-1")
	factory := new(trackerFactory)
	factory.On("Execute", analytics.Properties{SessionID: "session-1", Namespace: "NS::"}).Return(nil)

	NewUploadTracker(repo, log.NewLogger(), "NS::", factory.Execute)

	factory.AssertExpectations(t)
}

func TestNewUploadTrackerGeneratesSessionID(t *testing.T) {
	repo := new(repository)
	repo.On("Get", SessionIDEnvKey).Return("")
	factory := new(trackerFactory)
	factory.On("Execute", mock.MatchedBy(func(p analytics.Properties) bool {
		id, ok := p[SessionID].(string)
		if !ok {
			return false
		}
		_, err := uuid.Parse(id)
		return err == nil
	})).Return(nil)

	NewUploadTracker(repo, log.NewLogger(), "NS::", factory.Execute)

	factory.AssertExpectations(t)
	assert.Len(t, factory.Calls, 1)
}
