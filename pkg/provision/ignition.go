// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package provision

import (
	"errors"
	"strconv"

	butanecommon "github.com/coreos/butane/config/common"
	butaneconfig "github.com/coreos/butane/config"
	"sigs.k8s.io/yaml"
)

const (
	butaneVariant = "fcos"
	butaneVersion = "1.5.0"
)

var (
	errTranslateButane = errors.New("failed to translate butane config to ignition")
	errRenderButane    = errors.New("failed to render butane config from user data")
)

type butaneConfig struct {
	Variant string        `json:"variant"`
	Version string        `json:"version"`
	Passwd  butanePasswd  `json:"passwd,omitempty"`
	Storage butaneStorage `json:"storage,omitempty"`
}

type butanePasswd struct {
	Users []butaneUser `json:"users,omitempty"`
}

type butaneUser struct {
	Name              string   `json:"name"`
	Groups            []string `json:"groups,omitempty"`
	SSHAuthorizedKeys []string `json:"ssh_authorized_keys,omitempty"`
}

type butaneStorage struct {
	Files []butaneFile `json:"files,omitempty"`
}

type butaneFile struct {
	Path      string         `json:"path"`
	Mode      *int           `json:"mode,omitempty"`
	Overwrite bool           `json:"overwrite,omitempty"`
	Contents  butaneContents `json:"contents"`
}

type butaneContents struct {
	Inline string `json:"inline"`
}

// ButaneFromUserData converts the subset of a cloud-config that Ignition can
// express (users, ssh keys, hostname and files) into a Butane document.
// Packages and run commands have no Ignition equivalent and are dropped.
func ButaneFromUserData(ud UserData) ([]byte, error) {
	cfg := butaneConfig{
		Variant: butaneVariant,
		Version: butaneVersion,
	}

	for _, u := range ud.Users {
		cfg.Passwd.Users = append(cfg.Passwd.Users, butaneUser{
			Name:              u.Name,
			Groups:            u.Groups,
			SSHAuthorizedKeys: u.SSHAuthorizedKeys,
		})
	}

	if ud.Hostname != "" {
		mode := 0o644
		cfg.Storage.Files = append(cfg.Storage.Files, butaneFile{
			Path:      "/etc/hostname",
			Mode:      &mode,
			Overwrite: true,
			Contents:  butaneContents{Inline: ud.Hostname + "\n"},
		})
	}

	for _, f := range ud.WriteFiles {
		bf := butaneFile{
			Path:      f.Path,
			Overwrite: true,
			Contents:  butaneContents{Inline: f.Content},
		}
		if f.Permissions != "" {
			if m, err := strconv.ParseInt(f.Permissions, 8, 32); err == nil {
				mode := int(m)
				bf.Mode = &mode
			}
		}
		cfg.Storage.Files = append(cfg.Storage.Files, bf)
	}

	b, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, errors.Join(err, errRenderButane)
	}
	return b, nil
}

// TranslateButane turns a Butane document into Ignition JSON.
func TranslateButane(butane []byte) ([]byte, error) {
	b, _, err := butaneconfig.TranslateBytes(butane, butanecommon.TranslateBytesOptions{Raw: true})
	if err != nil {
		return nil, errors.Join(err, errTranslateButane)
	}
	return b, nil
}
