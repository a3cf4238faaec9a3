package tinyflux

import "github.com/sirupsen/logrus"

// Log is the package-level logger used by Engine when no WithLogger option is given. It defaults to logrus's
// standard logger at Info level; replace it (or pass WithLogger to an individual Engine) to change verbosity or
// output. tinyflux never logs point contents at Info level or above, only operational events (invalidation,
// reindex, storage errors).
var Log = logrus.StandardLogger()
