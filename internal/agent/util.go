package agent

import "os"

func defaultGetwd() (string, error) {
	return os.Getwd()
}
