package shared

import "context"

// Tab identifies one browser tab and the device (browser profile) it runs in.
type Tab struct {
	ID       string
	DeviceID string
}

type tabContextKey struct{}

// ContextWithTab stores the tab in context.
func ContextWithTab(ctx context.Context, tab Tab) context.Context {
	return context.WithValue(ctx, tabContextKey{}, tab)
}

// TabFromContext extracts the tab from context.
func TabFromContext(ctx context.Context) (Tab, bool) {
	tab, ok := ctx.Value(tabContextKey{}).(Tab)
	return tab, ok && tab.ID != ""
}

type deviceContextKey struct{}

// ContextWithDevice stores the device id in context.
func ContextWithDevice(ctx context.Context, deviceID string) context.Context {
	return context.WithValue(ctx, deviceContextKey{}, deviceID)
}

// DeviceFromContext extracts the device id from context.
func DeviceFromContext(ctx context.Context) string {
	id, _ := ctx.Value(deviceContextKey{}).(string)
	return id
}
