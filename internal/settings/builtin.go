package settings

import (
	"fmt"
)

// Options 内置设置的构建选项
type Options struct {
	// Mesh 为 true 时注册 mesh 设置，否则注册本地 AP 设置
	Mesh    bool
	AppName string
	// Defaults 按设置名覆盖内置默认文本
	Defaults map[string]string
}

// Builtin 运行时使用的内置设置
type Builtin struct {
	OTAHost      *Setting
	OTAAuto      *Setting
	OTACert      *Setting
	NTPHost      *Setting
	TZ           *Setting
	WatchdogTime *Setting
	AppName      *Setting
	NodeName     *Setting
	Hostname     *Setting

	PrefixCommand *Setting
	PrefixSetting *Setting
	PrefixState   *Setting
	PrefixEvent   *Setting
	PrefixInfo    *Setting
	PrefixError   *Setting
	PrefixApp     *Setting

	Blink      *Setting
	ClientKey  *Setting
	ClientCert *Setting

	MQTTHost *Setting
	MQTTUser *Setting
	MQTTPass *Setting
	MQTTPort *Setting
	MQTTCert *Setting

	WiFiReset *Setting
	WiFiSSID  *Setting
	WiFiIP    *Setting
	WiFiGW    *Setting
	WiFiDNS   *Setting
	WiFiBSSID *Setting
	WiFiChan  *Setting
	WiFiPass  *Setting
	WiFiPS    *Setting
	WiFiMaxPS *Setting

	APPort *Setting
	APTime *Setting
	APWait *Setting
	APGPIO *Setting
	APSSID *Setting
	APPass *Setting
	APMax  *Setting
	APIP   *Setting
	APLR   *Setting
	APHide *Setting

	MeshReset *Setting
	MeshID    *Setting
	MeshKey   *Setting
	MeshWidth *Setting
	MeshDepth *Setting
	MeshMax   *Setting
	MeshPass  *Setting
	MeshLR    *Setting
	MeshRoot  *Setting
}

// MQTTClients MQTT 客户端数量
const MQTTClients = 2

type entry struct {
	def Definition
	dst **Setting
}

func str(name, def string, dst **Setting) entry {
	return entry{Definition{Name: name, Kind: String, Default: def}, dst}
}

func num(name string, width int, def string, dst **Setting) entry {
	return entry{Definition{Name: name, Kind: Unsigned, Width: width, Default: def}, dst}
}

func flag(name, def string, dst **Setting) entry {
	return entry{Definition{Name: name, Kind: Bool, Default: def}, dst}
}

func secret(e entry) entry {
	e.def.Flags |= Secret
	return e
}

func array(e entry, n int) entry {
	e.def.Array = n
	return e
}

// dup 别名父设置，与子设置同形态，值保存在子设置
func dup(parent string, child entry) entry {
	d := child.def
	d.Name = parent
	d.Flags |= Secret
	d.Alias = child.def.Name
	return entry{d, nil}
}

// RegisterBuiltin 按固定顺序注册内置设置
func RegisterBuiltin(r *Registry, opts Options) (*Builtin, error) {
	b := &Builtin{}
	var list []entry

	clientKey := secret(entry{Definition{Name: "clientkey", Kind: Binary}, &b.ClientKey})
	prefixCommand := str("prefixcommand", "command", &b.PrefixCommand)
	list = append(list,
		dup("client", clientKey),
		dup("prefix", prefixCommand),
		str("otahost", "ota.local", &b.OTAHost),
		num("otaauto", 1, "1", &b.OTAAuto),
		entry{Definition{Name: "otacert", Kind: Binary}, &b.OTACert},
		str("ntphost", "pool.ntp.org", &b.NTPHost),
		str("tz", "GMT0BST,M3.5.0/1,M10.5.0", &b.TZ),
		num("watchdogtime", 4, "10", &b.WatchdogTime),
		str("appname", opts.AppName, &b.AppName),
		str("nodename", "", &b.NodeName),
		str("hostname", "", &b.Hostname),
		prefixCommand,
		str("prefixsetting", "setting", &b.PrefixSetting),
		str("prefixstate", "state", &b.PrefixState),
		str("prefixevent", "event", &b.PrefixEvent),
		str("prefixinfo", "info", &b.PrefixInfo),
		str("prefixerror", "error", &b.PrefixError),
		flag("prefixapp", "false", &b.PrefixApp),
		entry{Definition{Name: "blink", Array: 3, Kind: Bitfield, Width: 1, Flags: Set | Fix, Default: "- "}, &b.Blink},
		clientKey,
		entry{Definition{Name: "clientcert", Kind: Binary}, &b.ClientCert},
	)

	wifiSSID := str("wifissid", "", &b.WiFiSSID)
	list = append(list,
		dup("wifi", wifiSSID),
		num("wifireset", 2, "300", &b.WiFiReset),
		wifiSSID,
		str("wifiip", "", &b.WiFiIP),
		str("wifigw", "", &b.WiFiGW),
		array(str("wifidns", "", &b.WiFiDNS), 3),
		entry{Definition{Name: "wifibssid", Kind: FixedBinary, Width: 6, Flags: Hex}, &b.WiFiBSSID},
		num("wifichan", 1, "", &b.WiFiChan),
		secret(str("wifipass", "", &b.WiFiPass)),
		flag("wifips", "false", &b.WiFiPS),
		flag("wifimaxps", "false", &b.WiFiMaxPS),
	)

	if opts.Mesh {
		meshID := entry{Definition{Name: "meshid", Kind: FixedBinary, Width: 6, Flags: Hex | Secret}, &b.MeshID}
		list = append(list,
			dup("mesh", meshID),
			num("meshreset", 2, "600", &b.MeshReset),
			meshID,
			secret(entry{Definition{Name: "meshkey", Kind: FixedBinary, Width: 16, Flags: Hex}, &b.MeshKey}),
			num("meshwidth", 2, "10", &b.MeshWidth),
			num("meshdepth", 2, "6", &b.MeshDepth),
			num("meshmax", 2, "20", &b.MeshMax),
			secret(str("meshpass", "", &b.MeshPass)),
			flag("meshlr", "false", &b.MeshLR),
			flag("meshroot", "false", &b.MeshRoot),
		)
	} else {
		apSSID := str("apssid", "", &b.APSSID)
		list = append(list,
			dup("ap", apSSID),
			apSSID,
			secret(str("appass", "", &b.APPass)),
			num("apmax", 1, "4", &b.APMax),
			str("apip", "10.0.0.1/24", &b.APIP),
			flag("aplr", "false", &b.APLR),
			flag("aphide", "false", &b.APHide),
		)
	}

	mqttHost := array(str("mqtthost", "mqtt.local", &b.MQTTHost), MQTTClients)
	list = append(list,
		dup("mqtt", mqttHost),
		mqttHost,
		array(str("mqttuser", "", &b.MQTTUser), MQTTClients),
		array(secret(str("mqttpass", "", &b.MQTTPass)), MQTTClients),
		array(num("mqttport", 2, "", &b.MQTTPort), MQTTClients),
		array(entry{Definition{Name: "mqttcert", Kind: Binary}, &b.MQTTCert}, MQTTClients),
	)

	list = append(list,
		num("apport", 4, "80", &b.APPort),
		num("aptime", 4, "600", &b.APTime),
		num("apwait", 4, "60", &b.APWait),
		entry{Definition{Name: "apgpio", Kind: Bitfield, Width: 1, Flags: Set | Fix, Default: "- "}, &b.APGPIO},
	)

	for _, e := range list {
		def := e.def
		name := def.Name
		if def.Alias != "" {
			name = def.Alias
		}
		if d, ok := opts.Defaults[name]; ok {
			if def.Kind == Bitfield {
				def.Default = (&Setting{Definition: def}).legend() + " " + d
			} else {
				def.Default = d
			}
		}
		s, err := r.Register(def)
		if err != nil {
			return nil, fmt.Errorf("register %s: %w", def.Name, err)
		}
		if e.dst != nil {
			*e.dst = s
		}
	}
	return b, nil
}
