package config

import "github.com/gvsrusa/sevak-roocode-sub001/logging"

func testLogger() logging.Logger {
	return logging.NewTestLogger()
}
