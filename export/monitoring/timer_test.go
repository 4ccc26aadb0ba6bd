package monitoring

import (
	"context"
	"testing"

	"github.com/CMSgov/bcda-export/conf"
	"github.com/CMSgov/bcda-export/log"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

type TimerTestSuite struct {
	suite.Suite
	timer Timer
	hook  *test.Hook
}

func TestTimerTestSuite(t *testing.T) {
	suite.Run(t, new(TimerTestSuite))
}

func (s *TimerTestSuite) SetupTest() {
	nr, err := newrelic.NewApplication(
		newrelic.ConfigAppName("BCDA-Export-test"),
		newrelic.ConfigEnabled(false),
	)
	s.Require().NoError(err)
	s.timer = &timer{nr}

	logger, hook := test.NewNullLogger()
	s.hook = hook
	log.Export = logger.WithField("application", "export")
}

func (s *TimerTestSuite) TearDownTest() {
	log.SetupLoggers()
}

func (s *TimerTestSuite) TestTimer() {
	ctx := NewContext(context.Background(), s.timer)
	ctx, closeTxn := NewParent(ctx, "Txn")
	s.NotNil(ctx)
	defer closeTxn()

	closeChild := NewChild(ctx, "child")
	s.NotNil(closeChild)
	closeChild()

	for _, e := range s.hook.AllEntries() {
		s.NotEqual("No transaction found. Cannot create child.", e.Message)
	}
}

func (s *TimerTestSuite) TestTimerNoParent() {
	ctx := NewContext(context.Background(), s.timer)
	closeChild := NewChild(ctx, "someChild")
	s.NotNil(closeChild)
	closeChild()

	entries := s.hook.AllEntries()
	s.Len(entries, 1)
	s.Equal("No transaction found. Cannot create child.", entries[0].Message)
	s.Equal(logrus.WarnLevel, entries[0].Level)
}

func (s *TimerTestSuite) TestNoopTimerKeepsContext() {
	type ctxKey string
	parent := context.WithValue(context.Background(), ctxKey("k"), "v")

	ctx, closeTxn := NewParent(parent, "someTxnName")
	s.Equal(parent, ctx)
	closeTxn()
	NewChild(ctx, "someChildName")()
}

func TestGetTimerWithoutLicense(t *testing.T) {
	orig := conf.GetEnv("NEW_RELIC_LICENSE_KEY")
	defer func() { assert.NoError(t, conf.SetEnv(t, "NEW_RELIC_LICENSE_KEY", orig)) }()
	assert.NoError(t, conf.UnsetEnv(t, "NEW_RELIC_LICENSE_KEY"))

	timer := GetTimer()
	assert.IsType(t, &noopTimer{}, timer)
	timer.Close()
}
