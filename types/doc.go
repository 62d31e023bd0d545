// Package types provides core types shared across the CORTHEX HQ engine.
// This package has ZERO dependencies on other CORTHEX packages to avoid
// circular imports. All other packages should import types from here.
package types
