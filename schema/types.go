package schema

// UserID identifies a user in the system.
type UserID string

// TabID identifies a tab within a user configuration.
type TabID string

// ComponentID identifies a component within a tab.
type ComponentID string

// ComponentTypeID references a component type in the component registry.
type ComponentTypeID string

// DeviceType classifies the device a configuration targets.
type DeviceType string

const (
	// DeviceMobile covers phones and narrow viewports.
	DeviceMobile DeviceType = "mobile"
	// DeviceLaptop covers mid-sized viewports.
	DeviceLaptop DeviceType = "laptop"
	// DeviceBigscreen covers desktop monitors and wall displays.
	DeviceBigscreen DeviceType = "bigscreen"
)

// DeviceTypes lists the supported device classes.
func DeviceTypes() []DeviceType {
	return []DeviceType{DeviceMobile, DeviceLaptop, DeviceBigscreen}
}

// TabKind distinguishes fixed-content tabs from user-composed ones.
type TabKind string

const (
	// TabStatic has fixed content.
	TabStatic TabKind = "static"
	// TabDynamic holds user-placed components.
	TabDynamic TabKind = "dynamic"
)

// ConfigSource names the storage tier a resolved configuration came from.
type ConfigSource string

const (
	// SourcePrimary is the primary document store.
	SourcePrimary ConfigSource = "primary"
	// SourceLegacy is the relational fallback store.
	SourceLegacy ConfigSource = "legacy"
	// SourceCache is the local read-through cache.
	SourceCache ConfigSource = "cache"
	// SourceDefault is a synthesized default configuration.
	SourceDefault ConfigSource = "default"
)
