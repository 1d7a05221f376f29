package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tangzhangming/tiering/internal/config"
)

// cmdInit 在当前目录生成默认配置和示例脚本
func cmdInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Println("用法: tierctl init")
		fmt.Println()
		fmt.Println("在当前目录生成 " + config.ConfigFileName + " 和 main.tasm")
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	dir, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "无法获取当前目录: %v\n", err)
		os.Exit(1)
	}

	configPath := filepath.Join(dir, config.ConfigFileName)
	if _, err := os.Stat(configPath); err == nil {
		fmt.Fprintf(os.Stderr, "%s 已存在\n", config.ConfigFileName)
		os.Exit(1)
	}

	fmt.Printf("创建 %s\n", config.ConfigFileName)
	if err := config.Default().Save(configPath); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	mainPath := filepath.Join(dir, "main.tasm")
	if _, err := os.Stat(mainPath); os.IsNotExist(err) {
		fmt.Println("创建 main.tasm")
		if err := os.WriteFile(mainPath, []byte(mainTemplate), 0644); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
	}

	fmt.Println()
	fmt.Println("下一步:")
	fmt.Println("  tierctl run -trace-opt -trace-deopt main.tasm")
}

const mainTemplate = `# 整数加法在顶层被特化，传入浮点数时去优化

func add(a, b) {
    load a
    load b
    add
    ret
}

func main() {
    %prepare add
    pop
    push 1
    push 2
    call add
    pop
    %optimize add
    pop
    push 3
    push 4
    call add
    print
    %isopt add
    print
    push 1.5
    push 2
    call add
    print
    %isopt add
    print
    undefined
    ret
}
`
