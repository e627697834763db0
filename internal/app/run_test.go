package app

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

// DB接続できない環境では各コマンドがエラーを返して終了することを検証する。
func TestRun_CommandsFailWithoutDatabase(t *testing.T) {
	for _, args := range [][]string{{"serve"}, {"worker"}, {}} {
		t.Run(strings.Join(append([]string{"cmd"}, args...), "_"), func(t *testing.T) {
			restoreDefaultLogger(t)
			setTestEnv(t)

			var buf bytes.Buffer
			err := Run(&buf, args)
			if err == nil {
				t.Fatal("Run should fail when the database is unreachable")
			}
			if !strings.Contains(err.Error(), "database") {
				t.Errorf("error = %v, want database error", err)
			}
		})
	}
}

func TestRun_WithMissingEnv_ReturnsError(t *testing.T) {
	restoreDefaultLogger(t)
	clearTestEnv(t)

	var buf bytes.Buffer
	if err := Run(&buf, []string{"serve"}); err == nil {
		t.Fatal("Run with missing env should return error")
	}
}

func TestRun_UnknownCommand(t *testing.T) {
	var buf bytes.Buffer
	err := Run(&buf, []string{"bogus"})
	if !errors.Is(err, ErrUnknownCommand) {
		t.Errorf("err = %v, want ErrUnknownCommand", err)
	}
}

func TestRun_HealthcheckFailsWithoutServer(t *testing.T) {
	t.Setenv("SERVER_PORT", "1")

	var buf bytes.Buffer
	if err := Run(&buf, []string{"healthcheck"}); err == nil {
		t.Fatal("healthcheck should fail when no server is listening")
	}
}
