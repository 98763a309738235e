// Copyright The TrustTunnel Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sshpool

import (
	"strconv"

	"github.com/kevinburke/ssh_config"
)

// ResolvedHost is the outcome of resolving an alias against an
// OpenSSH-style config file. Fields are left zero when the config has
// no matching directive, so the caller can fall back to its own
// defaults field by field.
type ResolvedHost struct {
	HostName     string
	Port         int
	User         string
	IdentityFile string
}

// ResolveAlias looks alias up in cfg (the parsed contents of an
// ssh_config(5) file, e.g. ~/.ssh/config) the way an openssh client
// resolves a Host block before dialing, letting callers key a pool
// entry by a short alias instead of repeating host/port/user/identity
// at every call site.
func ResolveAlias(cfg *ssh_config.Config, alias string) ResolvedHost {
	var out ResolvedHost

	get := func(key string) string {
		if cfg != nil {
			if v, err := cfg.Get(alias, key); err == nil && v != "" {
				return v
			}
		}

		return ssh_config.Default(key)
	}

	out.HostName = get("HostName")
	if out.HostName == "" {
		out.HostName = alias
	}

	if p := get("Port"); p != "" {
		if port, err := strconv.Atoi(p); err == nil {
			out.Port = port
		}
	}

	out.User = get("User")
	out.IdentityFile = get("IdentityFile")

	return out
}
