package app

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Command はaurora-authの起動モード。
type Command string

const (
	CommandServe   Command = "serve"
	CommandWorker  Command = "worker"
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はdistrolessイメージのHEALTHCHECKから呼ばれる。
	// 設定の読み込みを行わず、ローカルの/healthだけを叩く。
	CommandHealthcheck Command = "healthcheck"
)

// ErrUnknownCommand は未定義のサブコマンドが指定されたことを示す。
var ErrUnknownCommand = errors.New("unknown command")

var commands = map[string]Command{
	string(CommandServe):       CommandServe,
	string(CommandWorker):      CommandWorker,
	string(CommandMigrate):     CommandMigrate,
	string(CommandHealthcheck): CommandHealthcheck,
}

// ParseCommand はos.Args[1:]の先頭からサブコマンドを決める。
// 引数なし、またはフラグから始まる場合はserveとして扱う。
func ParseCommand(args []string) (Command, error) {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return CommandServe, nil
	}
	cmd, ok := commands[args[0]]
	if !ok {
		return "", fmt.Errorf("%w: %q (available: %s)", ErrUnknownCommand, args[0], availableCommands())
	}
	return cmd, nil
}

func availableCommands() string {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
