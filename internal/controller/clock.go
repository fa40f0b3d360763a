package controller

import "time"

// nowFunc is the clock used for expiry decisions; tests pin it.
var nowFunc = time.Now
