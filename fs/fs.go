// Package appfs embeds the files shipped with the binaries: DB migrations and email templates.
package appfs

import "embed"

//go:embed migrations templates templates/email/_base.txt
var FS embed.FS
