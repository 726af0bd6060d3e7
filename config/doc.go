// Copyright (c) Roundtable Authors.
// Licensed under the MIT License.

/*
包 config 负责 roundtable 的配置加载。

加载顺序：默认值 → YAML 文件 → 以 ROUNDTABLE_ 为前缀的环境变量 → 校验器。
环境变量名由 env 标签逐级拼接，例如 ROUNDTABLE_DATABASE_HOST、
ROUNDTABLE_PROVIDERS_OPENAI_API_KEY。agents 与 realtime.bypass_identities
只能在 YAML 中配置。

orchestration.emergent_profile 选择 Emergent 模式的默认档位
（conservative 或 exploratory），orchestration.emergent 中任意字段
可以单独覆盖该档位。
*/
package config
