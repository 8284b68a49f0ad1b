//go:build !real_waku

package push

func newGowakuBackend() gowakuBackend { return nil }
