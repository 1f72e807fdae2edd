package testutil

import "os"

// VerboseTest returns true if the testing framework is run DEBUG=1.
func VerboseTest() bool {
	return os.Getenv("DEBUG") == "1"
}
