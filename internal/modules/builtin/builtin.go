// Package builtin links every native module into the binary that imports it.
package builtin

import (
	_ "github.com/eniac111/plumbgate/internal/modules/file"
	_ "github.com/eniac111/plumbgate/internal/modules/shell"
)
