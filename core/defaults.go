package core

import "pkt.systems/paneld/schema"

// defaultConfig synthesizes the out-of-the-box layout for a device class. It
// is used when no store tier has a document for the user.
func defaultConfig(userID schema.UserID, deviceType schema.DeviceType) schema.UserConfig {
	return schema.UserConfig{
		ID:         schema.ConfigID(userID, deviceType),
		UserID:     userID,
		Name:       schema.ConfigName(userID, deviceType),
		DeviceType: deviceType,
		Tabs:       defaultTabs(deviceType),
	}
}

func defaultTabs(deviceType schema.DeviceType) []schema.Tab {
	switch deviceType {
	case schema.DeviceMobile:
		return []schema.Tab{
			{
				ID: schema.TabID(newID()), Name: "Overview", Kind: schema.TabStatic,
				Components: []schema.Component{
					{ID: schema.ComponentID(newID()), Type: "account-summary", Position: schema.Position{X: 0, Y: 0, W: 4, H: 2}},
					{ID: schema.ComponentID(newID()), Type: "watchlist", Position: schema.Position{X: 0, Y: 2, W: 4, H: 6}},
				},
			},
			{
				ID: schema.TabID(newID()), Name: "News", Kind: schema.TabStatic,
				Components: []schema.Component{
					{ID: schema.ComponentID(newID()), Type: "news-feed", Position: schema.Position{X: 0, Y: 0, W: 4, H: 8}},
				},
			},
		}
	case schema.DeviceBigscreen:
		return []schema.Tab{
			{
				ID: schema.TabID(newID()), Name: "Overview", Kind: schema.TabStatic,
				Components: []schema.Component{
					{ID: schema.ComponentID(newID()), Type: "account-summary", Position: schema.Position{X: 0, Y: 0, W: 4, H: 2}},
					{ID: schema.ComponentID(newID()), Type: "chart", Position: schema.Position{X: 4, Y: 0, W: 8, H: 6}},
					{ID: schema.ComponentID(newID()), Type: "watchlist", Position: schema.Position{X: 0, Y: 2, W: 4, H: 6}},
				},
			},
			{
				ID: schema.TabID(newID()), Name: "Trading", Kind: schema.TabDynamic, Closable: true,
				Components: []schema.Component{
					{ID: schema.ComponentID(newID()), Type: "positions-grid", Position: schema.Position{X: 0, Y: 0, W: 8, H: 6}},
					{ID: schema.ComponentID(newID()), Type: "order-ticket", Position: schema.Position{X: 8, Y: 0, W: 3, H: 4}},
					{ID: schema.ComponentID(newID()), Type: "market-depth", Position: schema.Position{X: 8, Y: 4, W: 3, H: 5}},
				},
			},
			{
				ID: schema.TabID(newID()), Name: "News", Kind: schema.TabDynamic, Closable: true,
				Components: []schema.Component{
					{ID: schema.ComponentID(newID()), Type: "news-feed", Position: schema.Position{X: 0, Y: 0, W: 8, H: 8}},
				},
			},
		}
	default:
		return []schema.Tab{
			{
				ID: schema.TabID(newID()), Name: "Overview", Kind: schema.TabStatic,
				Components: []schema.Component{
					{ID: schema.ComponentID(newID()), Type: "account-summary", Position: schema.Position{X: 0, Y: 0, W: 4, H: 2}},
					{ID: schema.ComponentID(newID()), Type: "chart", Position: schema.Position{X: 4, Y: 0, W: 8, H: 5}},
				},
			},
			{
				ID: schema.TabID(newID()), Name: "Positions", Kind: schema.TabDynamic, Closable: true,
				Components: []schema.Component{
					{ID: schema.ComponentID(newID()), Type: "positions-grid", Position: schema.Position{X: 0, Y: 0, W: 12, H: 6}},
				},
			},
		}
	}
}
