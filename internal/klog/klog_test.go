/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package klog

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoggerLevels(t *testing.T) {
	old := Level()
	defer SetLevel(old)

	var out bytes.Buffer
	l := New("frames", &out)

	SetLevel(LevelWarn)
	l.Infof("hidden %d", 1)
	assert.Equal(t, 0, out.Len())

	l.Warnf("visible %d", 2)
	line := out.String()
	assert.True(t, strings.Contains(line, "Warn"))
	assert.True(t, strings.Contains(line, "frames"))
	assert.True(t, strings.Contains(line, "visible 2"))
	assert.True(t, strings.Contains(line, "klog_test.go"), "caller location: %q", line)
	assert.True(t, strings.HasSuffix(line, reset+"\n"))

	out.Reset()
	SetLevel(LevelNoPrint)
	l.Errorf("silenced")
	assert.Equal(t, 0, out.Len())
}

func TestSetLevelIgnoresOutOfRange(t *testing.T) {
	old := Level()
	defer SetLevel(old)

	SetLevel(LevelDebug)
	SetLevel(42)
	SetLevel(-1)
	assert.Equal(t, LevelDebug, Level())
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]int{
		"trace": LevelTrace,
		"Debug": LevelDebug,
		"INFO":  LevelInfo,
		"warn":  LevelWarn,
		"error": LevelError,
		"none":  LevelNoPrint,
		"2":     LevelInfo,
	} {
		got, err := ParseLevel(in)
		assert.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, bad := range []string{"", "loud", "9", "-1"} {
		_, err := ParseLevel(bad)
		assert.Error(t, err, bad)
	}
}
