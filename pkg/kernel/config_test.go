package kernel

import (
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/srediag/kernel-shm/pkg/vm"
)

type ConfigTestSuite struct {
	suite.Suite
}

func TestConfigTestSuite(t *testing.T) {
	suite.Run(t, new(ConfigTestSuite))
}

func (s *ConfigTestSuite) TestDefaultConfigIsValid() {
	s.Require().NoError(VerifyConfig(DefaultConfig()))
	s.Require().Error(VerifyConfig(nil))
}

func (s *ConfigTestSuite) TestVerifyConfig() {
	for _, tc := range []struct {
		name   string
		mutate func(c *Config)
	}{
		{"no frames", func(c *Config) { c.NFrames = 0 }},
		{"no procs", func(c *Config) { c.NProc = 0 }},
		{"too many procs", func(c *Config) { c.NProc = maxNProc + 1 }},
		{"tiny address space", func(c *Config) { c.MaxUserVA = vm.PGSIZE - 1 }},
		{"huge address space", func(c *Config) { c.MaxUserVA = vm.MAXVA + vm.PGSIZE }},
		{"negative initial size", func(c *Config) { c.InitialPages = -1 }},
		{"initial size beyond va", func(c *Config) { c.MaxUserVA = 2 * vm.PGSIZE; c.InitialPages = 3 }},
		{"initial size beyond frames", func(c *Config) { c.NFrames = 2; c.InitialPages = 3 }},
		{"no tick", func(c *Config) { c.TickMillis = 0 }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
		{"more memory than the host", func(c *Config) { c.NFrames = 1 << 40 }},
	} {
		c := DefaultConfig()
		tc.mutate(c)
		s.Error(VerifyConfig(c), tc.name)
	}
}

func (s *ConfigTestSuite) TestSmallConfig() {
	c := DefaultConfig()
	c.NFrames = 16
	c.NProc = 1
	c.InitialPages = 0
	c.LogLevel = "none"
	s.NoError(VerifyConfig(c))
}
