package core

import (
	"strconv"
	"time"
)

func itoa(port uint16) string { return strconv.Itoa(int(port)) }

func secondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
