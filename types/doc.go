// Package types provides core types shared across the ragchat agent core.
// This package has ZERO dependencies on other ragchat packages to avoid
// circular imports. All other packages should import types from here.
package types
