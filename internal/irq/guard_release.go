//go:build !hostifdebug

package irq

const debugBuild = false
