package oauth

import "time"

// nowFunc is the clock used when stamping records; tests pin it.
var nowFunc = time.Now

func secondsDuration(s int64) time.Duration {
	return time.Duration(s) * time.Second
}
