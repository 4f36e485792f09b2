package homeassistant

import "panelhub/pkg/plugin"

func init() {
	plugin.Register(plugin.FactoryInfo{
		Name:        ID,
		Description: "Home Assistant WebSocket adapter",
		Priority:    plugin.PriorityDefault,
		Order:       30,
		Factory:     createAdapter,
	})
}

func createAdapter(ctx *plugin.Context) (*plugin.Adapter, error) {
	return New(DefaultClientFactory, ctx.Logger.Named(ID)).Adapter(), nil
}
