package testutil

import "log"

func init() {
	// Date is irrelevant for test output, but microsecond timing helps
	// when chasing a race in the request-queue dispatch tests.
	log.SetFlags(log.Lmicroseconds)
}
