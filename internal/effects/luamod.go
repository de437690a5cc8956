package effects

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"

	"github.com/softboxd/softboxd/internal/storage/kv"
)

// effectLoader provides the effect module. Scripts call
// effect.register(name, { interval = seconds, tick = function(elapsed_ms) ... end })
// at load time; tick returns an overlay table ({hue, brightness, intensity,
// enabled}) or nil.
func (e *Engine) effectLoader(L *lua.LState) int {
	mod := L.NewTable()
	L.SetField(mod, "register", L.NewFunction(e.registerEffect))
	L.Push(mod)
	return 1
}

func (e *Engine) registerEffect(L *lua.LState) int {
	name := L.CheckString(1)
	opts := L.CheckTable(2)

	tick, ok := opts.RawGetString("tick").(*lua.LFunction)
	if !ok {
		L.RaiseError("effect %q needs a tick function", name)
		return 0
	}

	interval := defaultTickInterval
	if v := opts.RawGetString("interval"); v != lua.LNil {
		n, ok := v.(lua.LNumber)
		if !ok {
			L.RaiseError("effect %q interval must be a number of seconds", name)
			return 0
		}
		interval = time.Duration(float64(n) * float64(time.Second))
	}
	if interval < minTickInterval {
		interval = minTickInterval
	}

	if _, exists := e.registry[name]; exists {
		log.Warn().Str("effect", name).Str("script", e.loadingScript).Msg("Effect redefined, replacing")
	} else {
		e.order = append(e.order, name)
	}

	e.registry[name] = &scriptEffect{
		name:     name,
		script:   e.loadingScript,
		interval: interval,
		tick:     tick,
	}

	return 0
}

// logLoader provides the log module, a bridge onto the zerolog global.
func logLoader(L *lua.LState) int {
	mod := L.NewTable()

	L.SetField(mod, "debug", L.NewFunction(logFn(log.Debug)))
	L.SetField(mod, "info", L.NewFunction(logFn(log.Info)))
	L.SetField(mod, "warn", L.NewFunction(logFn(log.Warn)))
	L.SetField(mod, "error", L.NewFunction(logFn(log.Error)))

	L.Push(mod)
	return 1
}

// logFn builds a Lua function logging at one level. The optional second
// argument is a table of structured fields.
func logFn(event func() *zerolog.Event) lua.LGFunction {
	return func(L *lua.LState) int {
		msg := L.CheckString(1)

		ev := event().Str("source", "effect")
		if tbl := L.OptTable(2, nil); tbl != nil {
			for k, v := range luaTableToMap(tbl) {
				ev = ev.Interface(k, v)
			}
		}
		ev.Msg(msg)

		return 0
	}
}

const bucketTypeName = "kv_bucket"

// kvModule provides the kv module: named buckets scripts use to keep
// state across ticks and restarts.
type kvModule struct {
	manager *kv.Manager
}

func (m *kvModule) loader(L *lua.LState) int {
	mt := L.NewTypeMetatable(bucketTypeName)
	L.SetField(mt, "__index", L.SetFuncs(L.NewTable(), bucketMethods))

	mod := L.NewTable()
	L.SetField(mod, "bucket", L.NewFunction(m.bucket))
	L.SetField(mod, "exists", L.NewFunction(m.exists))
	L.SetField(mod, "delete", L.NewFunction(m.delete))
	L.SetField(mod, "list", L.NewFunction(m.list))

	L.Push(mod)
	return 1
}

// bucket(name, opts) -> Bucket
// opts: { persistent = true/false }, persistent by default.
func (m *kvModule) bucket(L *lua.LState) int {
	name := L.CheckString(1)

	persistent := true
	if opts := L.OptTable(2, nil); opts != nil {
		if p := L.GetField(opts, "persistent"); p != lua.LNil {
			persistent = lua.LVAsBool(p)
		}
	}

	ud := L.NewUserData()
	ud.Value = m.manager.Bucket(name, persistent)
	L.SetMetatable(ud, L.GetTypeMetatable(bucketTypeName))

	L.Push(ud)
	return 1
}

// exists(name) -> bool
func (m *kvModule) exists(L *lua.LState) int {
	L.Push(lua.LBool(m.manager.Exists(L.CheckString(1))))
	return 1
}

// delete(name) -> bool
func (m *kvModule) delete(L *lua.LState) int {
	name := L.CheckString(1)

	deleted, err := m.manager.Delete(name)
	if err != nil {
		log.Warn().Err(err).Str("bucket", name).Msg("Failed to delete bucket")
		L.Push(lua.LFalse)
		return 1
	}

	L.Push(lua.LBool(deleted))
	return 1
}

// list() -> table
func (m *kvModule) list(L *lua.LState) int {
	names, err := m.manager.List()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to list buckets")
		L.Push(L.NewTable())
		return 1
	}

	tbl := L.NewTable()
	for i, name := range names {
		tbl.RawSetInt(i+1, lua.LString(name))
	}

	L.Push(tbl)
	return 1
}

// Bucket methods, called colon-style on the userdata.
var bucketMethods = map[string]lua.LGFunction{
	"store":  bucketStore,
	"get":    bucketGet,
	"exists": bucketExists,
	"delete": bucketDelete,
	"keys":   bucketKeys,
	"clear":  bucketClear,
}

func checkBucket(L *lua.LState, pos int) kv.Bucket {
	ud := L.CheckUserData(pos)
	if bucket, ok := ud.Value.(kv.Bucket); ok {
		return bucket
	}
	L.ArgError(pos, "bucket expected")
	return nil
}

// store(key, value, opts) -> nil
// opts: { ttl = seconds }
func bucketStore(L *lua.LState) int {
	bucket := checkBucket(L, 1)
	key := L.CheckString(2)
	value := luaToGo(L.Get(3))

	var opts *kv.StoreOptions
	if optsTable := L.OptTable(4, nil); optsTable != nil {
		opts = &kv.StoreOptions{}
		if ttl := L.GetField(optsTable, "ttl"); ttl != lua.LNil {
			if n, ok := ttl.(lua.LNumber); ok {
				opts.TTL = time.Duration(n) * time.Second
			}
		}
	}

	if err := bucket.Store(key, value, opts); err != nil {
		log.Warn().Err(err).Str("bucket", bucket.Name()).Str("key", key).Msg("Failed to store value")
	}

	return 0
}

// get(key) -> value | nil
func bucketGet(L *lua.LState) int {
	bucket := checkBucket(L, 1)
	key := L.CheckString(2)

	value, err := bucket.Get(key)
	if err != nil {
		log.Warn().Err(err).Str("bucket", bucket.Name()).Str("key", key).Msg("Failed to get value")
		L.Push(lua.LNil)
		return 1
	}
	if value == nil {
		L.Push(lua.LNil)
		return 1
	}

	L.Push(goToLua(L, value))
	return 1
}

// exists(key) -> bool
func bucketExists(L *lua.LState) int {
	bucket := checkBucket(L, 1)
	key := L.CheckString(2)

	exists, err := bucket.Exists(key)
	if err != nil {
		log.Warn().Err(err).Str("bucket", bucket.Name()).Str("key", key).Msg("Failed to check key existence")
		L.Push(lua.LFalse)
		return 1
	}

	L.Push(lua.LBool(exists))
	return 1
}

// delete(key) -> bool
func bucketDelete(L *lua.LState) int {
	bucket := checkBucket(L, 1)
	key := L.CheckString(2)

	deleted, err := bucket.Delete(key)
	if err != nil {
		log.Warn().Err(err).Str("bucket", bucket.Name()).Str("key", key).Msg("Failed to delete key")
		L.Push(lua.LFalse)
		return 1
	}

	L.Push(lua.LBool(deleted))
	return 1
}

// keys() -> table
func bucketKeys(L *lua.LState) int {
	bucket := checkBucket(L, 1)

	keys, err := bucket.Keys()
	if err != nil {
		log.Warn().Err(err).Str("bucket", bucket.Name()).Msg("Failed to list keys")
		L.Push(L.NewTable())
		return 1
	}

	tbl := L.NewTable()
	for i, key := range keys {
		tbl.RawSetInt(i+1, lua.LString(key))
	}

	L.Push(tbl)
	return 1
}

// clear() -> nil
func bucketClear(L *lua.LState) int {
	bucket := checkBucket(L, 1)

	if err := bucket.Clear(); err != nil {
		log.Warn().Err(err).Str("bucket", bucket.Name()).Msg("Failed to clear bucket")
	}

	return 0
}
