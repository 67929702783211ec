// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"cmp"
	"slices"

	"github.com/charmbracelet/glamour"
	"golang.org/x/exp/maps"
)

type Id int

const (
	ManifestNotFoundId Id = iota + 1
	ManifestInvalidId
	LockfileInvalidId
	LockfileFrozenId
	VersionConflictId
	DependencyCycleId
	UnresolvableRequirementId
	KindMismatchId
	IntegrityFailedId
	RegistryUnavailableId
	AuthenticationRequiredId
	PermissionDeniedId
	PublishConflictId
	NotPublishableId
	ConfigLoadFailedId
)

type MarkdownMsg string

type HttpLink string

type Renderer interface {
	Render(in string, stylePath string) (string, error)
}

type Issue struct {
	id       Id          // ID used to lookup the issue
	mdMsg    MarkdownMsg // Markdown text that will be rendered
	docLinks []HttpLink
}

func (i *Issue) Id() Id {
	return i.id
}

func (i *Issue) MarkdownMsg() MarkdownMsg {
	return i.mdMsg
}

func (i *Issue) DocLinks() []HttpLink {
	return slices.Clone(i.docLinks)
}

// Render formats the issue as terminal markdown using the glamour style at stylePath
// ("dark", "light", "notty" or a JSON style file).
func (i *Issue) Render(stylePath string) (string, error) {
	md := string(i.mdMsg)
	if len(i.docLinks) > 0 {
		md += "\n\n## See also\n"
		for _, link := range i.docLinks {
			md += "- <" + string(link) + ">\n"
		}
	}
	return render(md, stylePath)
}

var (
	render = glamour.Render

	manifestNotFoundIssue = &Issue{
		id: ManifestNotFoundId,
		mdMsg: `
# No Proto.toml found

This directory is not a protopm project.

## Things you can try
- Create a consumer project that only installs dependencies:
~~~
$ protopm init
~~~
- Or create a publishable package:
~~~
$ protopm init --lib units
~~~`,
	}

	manifestInvalidIssue = &Issue{
		id: ManifestInvalidId,
		mdMsg: `
# Proto.toml is invalid

The manifest could not be parsed or failed validation.

## Things to check
- Package names are lowercase, dot-separated segments such as ` + "`acme.units`" + `
- ` + "`type`" + ` is either ` + "`lib`" + ` or ` + "`api`" + `
- Versions are semantic versions and constraints parse (` + "`^1.2`" + `, ` + "`~1.2.3`" + `, ` + "`>=1.0.0, <2.0.0`" + `)
- A ` + "`lib`" + ` package never depends on an ` + "`api`" + ` package`,
	}

	lockfileInvalidIssue = &Issue{
		id: LockfileInvalidId,
		mdMsg: `
# Proto.lock cannot be read

The lockfile is malformed or was written by a newer protopm.

## Things you can try
- Upgrade protopm if the lockfile format version is newer than this binary supports
- Regenerate the lockfile from the manifest:
~~~
$ protopm lock
~~~`,
	}

	lockfileFrozenIssue = &Issue{
		id: LockfileFrozenId,
		mdMsg: `
# The lockfile is out of date

A frozen install never rewrites Proto.lock, but the lockfile is missing or
no longer matches Proto.toml.

## Things you can try
- Run ` + "`protopm lock`" + ` locally and commit the updated Proto.lock
- Drop ` + "`--frozen`" + ` to let install update the lockfile`,
	}

	versionConflictIssue = &Issue{
		id: VersionConflictId,
		mdMsg: `
# Version conflict

Two packages require incompatible versions of the same dependency. protopm
selects exactly one version per package and does not backtrack.

## Things you can try
- Relax one of the constraints named in the error
- Upgrade the package that requires the older range`,
	}

	dependencyCycleIssue = &Issue{
		id: DependencyCycleId,
		mdMsg: `
# Dependency cycle

The dependency graph contains a cycle; the error lists the packages along it.
Schema packages must form a directed acyclic graph.

## Things you can try
- Move the shared definitions into a separate ` + "`lib`" + ` package both sides depend on`,
	}

	unresolvableRequirementIssue = &Issue{
		id: UnresolvableRequirementId,
		mdMsg: `
# No matching version

The registry has no version of the package that satisfies the constraint.

## Things you can try
- Check the repository and package name for typos
- Loosen the version constraint
- Confirm the package was published to the repository you depend on`,
	}

	kindMismatchIssue = &Issue{
		id: KindMismatchId,
		mdMsg: `
# Package kind mismatch

A dependency is declared with a different kind (` + "`lib`/`api`" + `) than the
package published in the registry.

## Things you can try
- Set ` + "`kind`" + ` on the dependency to the published kind`,
	}

	integrityFailedIssue = &Issue{
		id: IntegrityFailedId,
		mdMsg: `
# Integrity check failed

Downloaded content does not match what was expected: the digest differs from
Proto.lock, the archive is corrupt, or it names a different package or version.
Nothing was installed.

## Things you can try
- Retry; a proxy may have served a truncated response
- If the registry content changed for an existing version, contact the publisher
- Re-lock only once you trust the new content:
~~~
$ protopm lock
~~~`,
	}

	registryUnavailableIssue = &Issue{
		id: RegistryUnavailableId,
		mdMsg: `
# Registry unavailable

The registry did not answer successfully after several attempts.

## Things you can try
- Check your network connection and proxy settings
- Raise ` + "`registry.max_attempts`" + ` or ` + "`registry.timeout`" + ` in config.cue
- Try again later`,
	}

	authenticationRequiredIssue = &Issue{
		id: AuthenticationRequiredId,
		mdMsg: `
# Not logged in

No token is stored for this registry, or the registry rejected it.

## Things you can try
~~~
$ protopm login --registry https://registry.example.com
~~~`,
	}

	permissionDeniedIssue = &Issue{
		id: PermissionDeniedId,
		mdMsg: `
# Permission denied

The registry accepted your token but refused the operation.

## Things you can try
- Ask the repository owner for publish rights
- Log in with a token that has write access`,
	}

	publishConflictIssue = &Issue{
		id: PublishConflictId,
		mdMsg: `
# Version already published

Published versions are immutable.

## Things you can try
- Bump ` + "`version`" + ` in the ` + "`[package]`" + ` section of Proto.toml and publish again`,
	}

	notPublishableIssue = &Issue{
		id: NotPublishableId,
		mdMsg: `
# Nothing to publish

Proto.toml has no ` + "`[package]`" + ` section, so this project only consumes packages.

## Things you can try
~~~toml
[package]
type = "lib"
name = "units"
version = "0.1.0"
~~~`,
	}

	configLoadFailedIssue = &Issue{
		id: ConfigLoadFailedId,
		mdMsg: `
# Configuration could not be loaded

## Things you can try
- Show the effective configuration:
~~~
$ protopm config show
~~~
- Check for ` + "`PROTOPM_*`" + ` environment variables that override the file`,
	}

	issues = map[Id]*Issue{
		manifestNotFoundIssue.Id():        manifestNotFoundIssue,
		manifestInvalidIssue.Id():         manifestInvalidIssue,
		lockfileInvalidIssue.Id():         lockfileInvalidIssue,
		lockfileFrozenIssue.Id():          lockfileFrozenIssue,
		versionConflictIssue.Id():         versionConflictIssue,
		dependencyCycleIssue.Id():         dependencyCycleIssue,
		unresolvableRequirementIssue.Id(): unresolvableRequirementIssue,
		kindMismatchIssue.Id():            kindMismatchIssue,
		integrityFailedIssue.Id():         integrityFailedIssue,
		registryUnavailableIssue.Id():     registryUnavailableIssue,
		authenticationRequiredIssue.Id():  authenticationRequiredIssue,
		permissionDeniedIssue.Id():        permissionDeniedIssue,
		publishConflictIssue.Id():         publishConflictIssue,
		notPublishableIssue.Id():          notPublishableIssue,
		configLoadFailedIssue.Id():        configLoadFailedIssue,
	}
)

// Values returns every issue ordered by id.
func Values() []*Issue {
	out := maps.Values(issues)
	slices.SortFunc(out, func(a, b *Issue) int { return cmp.Compare(a.id, b.id) })
	return out
}

func Get(id Id) *Issue {
	return issues[id]
}
